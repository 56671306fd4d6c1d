/**
 * @description
 * Main entry point for the payment-service. It loads configuration, connects PostgreSQL,
 * Redis and the event broker, registers the payment processors, starts the redrive
 * consumer and the cron jobs, and serves the HTTP API until SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - github.com/redis/go-redis/v9: Distributed confirmation locks and rate limits.
 * - github.com/joho/godotenv: Local .env loading.
 * - go.uber.org/zap: Structured logging.
 * - internal/*, pkg/rabbitmq, pkg/kafka.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/payment-service/internal/api"
	"github.com/transfa/payment-service/internal/app"
	"github.com/transfa/payment-service/internal/config"
	"github.com/transfa/payment-service/internal/gateway"
	"github.com/transfa/payment-service/internal/logging"
	"github.com/transfa/payment-service/internal/store"
	"github.com/transfa/payment-service/pkg/kafka"
	rmrabbit "github.com/transfa/payment-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

func main() {
	logger, level := logging.New("payment-service")
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	bootLog := logger.With(zap.String("component", "bootstrap"))

	if err := godotenv.Load(); err != nil {
		bootLog.Debug("no .env file loaded", zap.Error(err))
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		bootLog.Fatal("config load failed", zap.Error(err))
	}
	if !logging.SetLevel(level, cfg.LogLevel) {
		bootLog.Warn("unknown log level; keeping info", zap.String("log_level", cfg.LogLevel))
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		bootLog.Fatal("internal api key must be configured", zap.String("env", "INTERNAL_API_KEY"))
	}

	bootLog.Info("starting payment-service", zap.String("port", cfg.ServerPort))

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		bootLog.Fatal("database url parse failed", zap.Error(err))
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		bootLog.Fatal("database connection failed", zap.Error(err))
	}
	defer dbpool.Close()
	bootLog.Info("database connected")

	if cfg.RunMigrations {
		migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), time.Minute)
		err := store.Migrate(migrateCtx, dbpool)
		cancelMigrate()
		if err != nil {
			bootLog.Fatal("schema migration failed", zap.Error(err))
		}
		bootLog.Info("schema migrated")
	}

	var opts []app.Option
	if cfg.RedisURL == "" {
		bootLog.Warn("redis url missing; confirmation locks are process-local and rate limiting is disabled", zap.String("env", "REDIS_URL"))
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			bootLog.Fatal("redis url parse failed", zap.Error(parseErr))
		}
		redisClient := redis.NewClient(redisOptions)
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		cancelPing()
		if pingErr != nil {
			bootLog.Warn("redis ping failed; continuing, lock and limit calls will fail open", zap.Error(pingErr))
		} else {
			bootLog.Info("redis connected")
		}
		defer redisClient.Close()

		opts = append(opts,
			app.WithConfirmationLocker(app.NewRedisLocker(redisClient, cfg.RedisKeyPrefix)),
			app.WithRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)),
		)
	}

	var events app.EventPublisher
	switch cfg.EventBroker {
	case "kafka":
		producer := kafka.NewProducer(cfg.KafkaBrokerList(), cfg.KafkaTopic, logger)
		defer func() {
			if err := producer.Close(); err != nil {
				bootLog.Warn("kafka producer close failed", zap.Error(err))
			}
		}()
		events = app.NewKafkaEventPublisher(producer)
		bootLog.Info("kafka producer configured", zap.Strings("brokers", cfg.KafkaBrokerList()), zap.String("topic", cfg.KafkaTopic))
	default:
		var producer rmrabbit.Publisher
		rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			bootLog.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
			producer = &rmrabbit.EventProducerFallback{Logger: logger}
		} else {
			defer rabbitProducer.Close()
			producer = rabbitProducer
			bootLog.Info("rabbitmq producer connected")
		}
		events = app.NewRabbitEventPublisher(producer, cfg.EventExchange)
	}

	registry, err := buildGatewayRegistry(cfg, logger)
	if err != nil {
		bootLog.Fatal("payment processor setup failed", zap.Error(err))
	}
	bootLog.Info("payment processors registered", zap.Strings("processors", registry.Names()), zap.String("default", cfg.DefaultProcessor))

	repository := store.NewPostgresRepository(dbpool)

	paymentService := app.NewService(
		repository,
		registry,
		events,
		app.Config{
			DefaultCurrency:                cfg.DefaultCurrency,
			IntentTTL:                      cfg.IntentTTL(),
			ConfirmLockTTL:                 cfg.ConfirmLockTTL(),
			IntentCreateRateLimitPerMinute: cfg.IntentCreateRateLimitPerMinute,
		},
		logger,
		opts...,
	)

	reconciler := app.NewReconciler(paymentService, app.ReconcilerConfig{
		StaleAfter:  cfg.ReconcileStaleAfter(),
		BatchSize:   cfg.ReconcileBatchSize,
		Concurrency: cfg.ReconcileConcurrency,
	}, logger)

	scheduler := app.NewScheduler(paymentService, reconciler, logger, app.SchedulerConfig{
		WebhookRedriveSchedule: cfg.WebhookRedriveSchedule,
		ReconcileSchedule:      cfg.ReconcileSchedule,
	})
	scheduler.Start()

	// Operator re-drive commands arrive over RabbitMQ regardless of the event broker.
	if cfg.RabbitMQURL != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			bootLog.Warn("rabbitmq consumer unavailable; webhook redrive commands disabled", zap.Error(err))
		} else {
			defer rabbitConsumer.Close()
			redriveConsumer := app.NewRedriveConsumer(paymentService, logger)
			bindings := map[string]rmrabbit.Handler{
				app.RedriveRoutingKey: redriveConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventExchange, cfg.WebhookRedriveQueue, bindings); err != nil {
				bootLog.Fatal("redrive consumer start failed", zap.Error(err))
			}
		}
	}

	handlers := api.NewPaymentHandlers(paymentService, registry, logger)
	auth := api.AuthConfig{JWKSURL: cfg.ClerkJWKSURL, InternalAPIKey: cfg.InternalAPIKey}

	router := chi.NewRouter()
	router.Mount("/", api.PaymentRoutes(handlers, auth, cfg.AllowedOrigins()))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	httpLog := logger.With(zap.String("component", "http"))
	httpLog.Info("server listening", zap.String("addr", serverAddr))

	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpLog.Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	httpLog.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		httpLog.Error("shutdown failed", zap.Error(err))
	}

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		bootLog.Warn("scheduled jobs still running at shutdown")
	}

	httpLog.Info("shutdown complete")
}

// buildGatewayRegistry registers every configured processor behind the timeout and retry
// decorator. The default processor must be among them.
func buildGatewayRegistry(cfg config.Config, logger *zap.Logger) (*gateway.Registry, error) {
	timeouts := gateway.Timeouts{
		Intent: cfg.ProcessorIntentTimeout(),
		Read:   cfg.ProcessorReadTimeout(),
	}

	var gateways []gateway.Gateway
	if cfg.StripeSecretKey != "" {
		stripeGW := gateway.NewStripeGateway(gateway.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			APIBaseURL:    cfg.StripeAPIBaseURL,
		})
		gateways = append(gateways, gateway.WithTimeouts(stripeGW, timeouts, logger))
	}
	if cfg.SandboxEnabled {
		sandbox := gateway.NewSandboxGateway(cfg.SandboxWebhookSecret)
		gateways = append(gateways, gateway.WithTimeouts(sandbox, timeouts, logger))
	}
	if len(gateways) == 0 {
		return nil, fmt.Errorf("no payment processor configured: set STRIPE_SECRET_KEY or SANDBOX_ENABLED")
	}
	return gateway.NewRegistry(cfg.DefaultProcessor, gateways...)
}
