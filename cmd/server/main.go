package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/payment-webhooks/internal/api"
	"github.com/sambitmohanty1/payment-webhooks/internal/config"
	"github.com/sambitmohanty1/payment-webhooks/internal/database"
	"github.com/sambitmohanty1/payment-webhooks/internal/eventbus"
	"github.com/sambitmohanty1/payment-webhooks/internal/idempotency"
	"github.com/sambitmohanty1/payment-webhooks/internal/services"
)

func main() {
	app := fx.New(
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Provide(
			loadConfig,
			initLogger,
			initDatabase,
			initRedis,
			initLedger,
			initEventBus,
			initProvider,
			initServices,
			initRouter,
		),
		fx.Invoke(startDelivery, startLedgerJanitor, startServer),
		fx.StopTimeout(30*time.Second),
	)

	if err := app.Err(); err != nil {
		log.Fatalf("Failed to build payment webhooks service: %v", err)
	}
	app.Run()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if cfg.Vault.Address != "" && cfg.Vault.Token != "" {
		vc, err := config.NewVaultClient(cfg.Vault.Address, cfg.Vault.Token)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Vault client: %w", err)
		}
		secrets, err := vc.ReadSecrets(cfg.Vault.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to load secrets from Vault: %w", err)
		}
		config.ApplyVaultSecrets(cfg, secrets)
	}

	if cfg.Stripe.WebhookSecret == "" {
		return nil, fmt.Errorf("stripe.webhook_secret is required")
	}
	return cfg, nil
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var logLevel zap.AtomicLevel
	switch cfg.Log.Level {
	case "debug":
		logLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		logLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		logLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zc := zap.NewProductionConfig()
	zc.Level = logLevel
	return zc.Build()
}

func initDatabase(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if err := database.RunMigrations(db, cfg.Database.MigrationsDir); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	if applied, err := database.GetMigrationStatus(db); err != nil {
		logger.Warn("Failed to read migration status", zap.Error(err))
	} else if len(applied) > 0 {
		logger.Info("Database migrations applied",
			zap.Int("count", len(applied)),
			zap.String("latest", applied[len(applied)-1].Version))
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})
	return db, nil
}

// initRedis returns nil when no component is configured to use Redis.
func initRedis(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	if cfg.Idempotency.Backend != idempotency.BackendRedis && cfg.EventBus.Backend != "redis" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("Redis connection established", zap.String("addr", cfg.Redis.Addr))

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return client.Close() },
	})
	return client, nil
}

func initLedger(cfg *config.Config, db *gorm.DB, rc *redis.Client, logger *zap.Logger) (idempotency.Ledger, error) {
	return idempotency.New(cfg.Idempotency.Backend, cfg.Idempotency.TTL, db, rc, logger)
}

func initEventBus(cfg *config.Config, rc *redis.Client, logger *zap.Logger) eventbus.EventBus {
	if cfg.EventBus.Backend == "redis" {
		return eventbus.NewRedisEventBus(rc, logger)
	}
	return eventbus.NewLocalEventBus(logger)
}

func initProvider(cfg *config.Config) services.PaymentProvider {
	return services.NewStripeProvider(cfg.Stripe.SecretKey)
}

type serviceSet struct {
	fx.Out

	Access       *services.AccessService
	Transactions *services.TransactionService
	Endpoints    *services.EndpointService
	Deliveries   *services.DeliveryService
	Webhooks     *services.WebhookService
}

func initServices(cfg *config.Config, db *gorm.DB, ledger idempotency.Ledger, bus eventbus.EventBus, provider services.PaymentProvider, logger *zap.Logger) serviceSet {
	access := services.NewAccessService(db, bus, logger)
	transactions := services.NewTransactionService(db, access, provider, bus, services.PaymentRules{
		AllowedCurrencies: cfg.Payments.AllowedCurrencies,
		MinimumAmount:     cfg.Payments.MinimumAmount,
		RefundCeiling:     cfg.Payments.RefundCeiling,
	}, logger)

	return serviceSet{
		Access:       access,
		Transactions: transactions,
		Endpoints:    services.NewEndpointService(db, logger),
		Deliveries:   services.NewDeliveryService(db, cfg.Webhooks.DeliveryTimeout, cfg.Webhooks.DeliveryWorkers, logger),
		Webhooks: services.NewWebhookService(services.WebhookConfig{
			Secret:       cfg.Stripe.WebhookSecret,
			Tolerance:    cfg.Webhooks.SignatureTolerance,
			MaxBodyBytes: cfg.Webhooks.MaxBodyBytes,
			RateLimit:    cfg.Webhooks.RateLimit,
			RateBurst:    cfg.Webhooks.RateBurst,
		}, ledger, transactions, logger),
	}
}

type routerParams struct {
	fx.In

	Config       *config.Config
	DB           *gorm.DB
	Logger       *zap.Logger
	Access       *services.AccessService
	Transactions *services.TransactionService
	Endpoints    *services.EndpointService
	Webhooks     *services.WebhookService
}

func initRouter(p routerParams) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	return api.NewRouter(api.RouterDeps{
		Handlers:       api.NewHandlers(p.Endpoints, p.Transactions, p.Access, p.Logger),
		WebhookService: p.Webhooks,
		DB:             p.DB,
		AdminJWTSecret: p.Config.Admin.JWTSecret,
		Logger:         p.Logger,
	})
}

func startDelivery(lc fx.Lifecycle, bus eventbus.EventBus, deliveries *services.DeliveryService, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := bus.Subscribe(ctx, eventbus.TopicBusinessEvents, deliveries.HandleEvent); err != nil {
				return fmt.Errorf("failed to subscribe delivery engine: %w", err)
			}
			logger.Info("Delivery engine subscribed", zap.String("topic", eventbus.TopicBusinessEvents))
			return nil
		},
		// Runs before the database is closed; waits for in-flight deliveries.
		OnStop: func(context.Context) error {
			return bus.Close()
		},
	})
}

// startLedgerJanitor purges expired rows of the database ledger.
func startLedgerJanitor(lc fx.Lifecycle, cfg *config.Config, ledger idempotency.Ledger, logger *zap.Logger) {
	gl, ok := ledger.(*idempotency.GormLedger)
	if !ok || cfg.Idempotency.PurgeInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(cfg.Idempotency.PurgeInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						n, err := gl.Purge(ctx)
						if err != nil {
							logger.Warn("Failed to purge processed events", zap.Error(err))
							continue
						}
						if n > 0 {
							logger.Info("Purged processed events", zap.Int64("rows", n))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, cfg *config.Config, router *gin.Engine, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				var err error
				if cfg.Server.HTTPS {
					logger.Info("Starting HTTPS server", zap.String("addr", srv.Addr))
					err = srv.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
				} else {
					logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
					err = srv.ListenAndServe()
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatal("Failed to start server", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down server...")
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			logger.Info("Server exited")
			return nil
		},
	})
}
