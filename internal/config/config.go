package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Stripe      StripeConfig      `mapstructure:"stripe"`
	Webhooks    WebhooksConfig    `mapstructure:"webhooks"`
	Payments    PaymentsConfig    `mapstructure:"payments"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	EventBus    EventBusConfig    `mapstructure:"eventbus"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Vault       VaultConfig       `mapstructure:"vault"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	HTTPS           bool          `mapstructure:"https"`
	CertFile        string        `mapstructure:"cert_file"`
	KeyFile         string        `mapstructure:"key_file"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Name          string `mapstructure:"name"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	SSLMode       string `mapstructure:"ssl_mode"`
	MigrationsDir string `mapstructure:"migrations_dir"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN builds the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

// RedisConfig holds redis configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StripeConfig holds payment provider configuration
type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// WebhooksConfig controls inbound verification and outbound delivery.
type WebhooksConfig struct {
	SignatureTolerance time.Duration `mapstructure:"signature_tolerance"`
	MaxBodyBytes       int64         `mapstructure:"max_body_bytes"`
	DeliveryTimeout    time.Duration `mapstructure:"delivery_timeout"`
	DeliveryWorkers    int           `mapstructure:"delivery_workers"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	RateBurst          int           `mapstructure:"rate_burst"`
}

// PaymentsConfig holds amount and currency rules.
type PaymentsConfig struct {
	AllowedCurrencies []string `mapstructure:"allowed_currencies"`
	MinimumAmount     int64    `mapstructure:"minimum_amount"`
	RefundCeiling     int64    `mapstructure:"refund_ceiling"`
}

// IdempotencyConfig selects the ledger backend.
type IdempotencyConfig struct {
	Backend       string        `mapstructure:"backend"` // memory, redis, postgres
	TTL           time.Duration `mapstructure:"ttl"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// EventBusConfig selects how business events reach the delivery engine.
type EventBusConfig struct {
	Backend string `mapstructure:"backend"` // local, redis
}

// AdminConfig holds admin API authentication settings.
type AdminConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// VaultConfig enables loading secrets from HashiCorp Vault.
type VaultConfig struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Path    string `mapstructure:"path"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

var envBindings = map[string]string{
	"server.port":           "SERVER_PORT",
	"server.host":           "SERVER_HOST",
	"server.https":          "SERVER_HTTPS",
	"server.cert_file":      "SERVER_CERT_FILE",
	"server.key_file":       "SERVER_KEY_FILE",
	"database.host":         "DATABASE_HOST",
	"database.port":         "DATABASE_PORT",
	"database.name":         "DATABASE_NAME",
	"database.user":         "DATABASE_USER",
	"database.password":     "DATABASE_PASSWORD",
	"database.ssl_mode":     "DATABASE_SSL_MODE",
	"redis.addr":            "REDIS_ADDR",
	"redis.password":        "REDIS_PASSWORD",
	"stripe.secret_key":     "STRIPE_SECRET_KEY",
	"stripe.webhook_secret": "STRIPE_WEBHOOK_SECRET",
	"idempotency.backend":   "IDEMPOTENCY_BACKEND",
	"eventbus.backend":      "EVENTBUS_BACKEND",
	"admin.jwt_secret":      "ADMIN_JWT_SECRET",
	"vault.address":         "VAULT_ADDR",
	"vault.token":           "VAULT_TOKEN",
	"log.level":             "LOG_LEVEL",
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8085")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.https", false)
	v.SetDefault("server.cert_file", "./certs/server.crt")
	v.SetDefault("server.key_file", "./certs/server.key")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "payment_webhooks")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.migrations_dir", "migrations")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("webhooks.signature_tolerance", 300*time.Second)
	v.SetDefault("webhooks.max_body_bytes", 1<<20)
	v.SetDefault("webhooks.delivery_timeout", 10*time.Second)
	v.SetDefault("webhooks.delivery_workers", 8)
	v.SetDefault("webhooks.rate_limit", 100.0)
	v.SetDefault("webhooks.rate_burst", 200)

	v.SetDefault("payments.allowed_currencies", []string{"USD", "EUR", "GBP", "AUD", "CAD"})
	v.SetDefault("payments.minimum_amount", 50)
	v.SetDefault("payments.refund_ceiling", 99999999)

	v.SetDefault("idempotency.backend", "postgres")
	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("idempotency.purge_interval", time.Hour)

	v.SetDefault("eventbus.backend", "local")

	v.SetDefault("vault.path", "secret/data/payment-webhooks")
	v.SetDefault("log.level", "info")
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom loads configuration into the given viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app/config") // Kubernetes ConfigMap mount path
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalises values and rejects unusable combinations.
func (c *Config) Validate() error {
	for i, cur := range c.Payments.AllowedCurrencies {
		c.Payments.AllowedCurrencies[i] = strings.ToUpper(strings.TrimSpace(cur))
	}
	if len(c.Payments.AllowedCurrencies) == 0 {
		return fmt.Errorf("payments.allowed_currencies must not be empty")
	}
	if c.Payments.RefundCeiling <= 0 {
		return fmt.Errorf("payments.refund_ceiling must be positive")
	}
	if c.Webhooks.DeliveryWorkers <= 0 {
		c.Webhooks.DeliveryWorkers = 1
	}
	switch c.Idempotency.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unknown idempotency backend %q", c.Idempotency.Backend)
	}
	switch c.EventBus.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown eventbus backend %q", c.EventBus.Backend)
	}
	return nil
}
