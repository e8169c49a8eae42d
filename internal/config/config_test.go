package config

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "8085", cfg.Server.Port)
	assert.Equal(t, 300*time.Second, cfg.Webhooks.SignatureTolerance)
	assert.Equal(t, 10*time.Second, cfg.Webhooks.DeliveryTimeout)
	assert.Equal(t, int64(99999999), cfg.Payments.RefundCeiling)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, "postgres", cfg.Idempotency.Backend)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)
	assert.Contains(t, cfg.Payments.AllowedCurrencies, "USD")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_env")
	t.Setenv("IDEMPOTENCY_BACKEND", "redis")

	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "whsec_env", cfg.Stripe.WebhookSecret)
	assert.Equal(t, "redis", cfg.Idempotency.Backend)
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Payments:    PaymentsConfig{AllowedCurrencies: []string{" usd", "eur "}, RefundCeiling: 100},
		Idempotency: IdempotencyConfig{Backend: "memory"},
		EventBus:    EventBusConfig{Backend: "local"},
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"USD", "EUR"}, cfg.Payments.AllowedCurrencies)
	assert.Equal(t, 1, cfg.Webhooks.DeliveryWorkers)

	cfg.Idempotency.Backend = "etcd"
	assert.Error(t, cfg.Validate())

	cfg.Idempotency.Backend = "memory"
	cfg.Payments.AllowedCurrencies = nil
	assert.Error(t, cfg.Validate())
}

func TestVaultClient_ReadSecrets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/secret/data/payment-webhooks", r.URL.Path)
		assert.Equal(t, "root-token", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"data":{"stripe_webhook_secret":"whsec_vault","admin_jwt_secret":"jwt_vault"}}}`))
	}))
	defer server.Close()

	client, err := NewVaultClient(server.URL, "root-token")
	require.NoError(t, err)

	secrets, err := client.ReadSecrets("secret/data/payment-webhooks")
	require.NoError(t, err)

	cfg := &Config{Stripe: StripeConfig{WebhookSecret: "whsec_file", SecretKey: "sk_file"}}
	ApplyVaultSecrets(cfg, secrets)
	assert.Equal(t, "whsec_vault", cfg.Stripe.WebhookSecret)
	assert.Equal(t, "sk_file", cfg.Stripe.SecretKey)
	assert.Equal(t, "jwt_vault", cfg.Admin.JWTSecret)
}
