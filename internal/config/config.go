/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables (and an optional
 * .env file), applies defaults and coerces out-of-range values back to safe ones.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - go.uber.org/zap: warnings for coerced values go to the global logger.
 */

package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all the configuration variables for the payment-service.
type Config struct {
	ServerPort    string `mapstructure:"SERVER_PORT"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	RunMigrations bool   `mapstructure:"RUN_MIGRATIONS"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`

	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	EventBroker         string `mapstructure:"EVENT_BROKER"`
	RabbitMQURL         string `mapstructure:"RABBITMQ_URL"`
	EventExchange       string `mapstructure:"EVENT_EXCHANGE"`
	WebhookRedriveQueue string `mapstructure:"WEBHOOK_REDRIVE_QUEUE"`
	KafkaBrokers        string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic          string `mapstructure:"KAFKA_TOPIC"`

	ClerkJWKSURL       string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	DefaultProcessor     string `mapstructure:"DEFAULT_PROCESSOR"`
	StripeSecretKey      string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret  string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIBaseURL     string `mapstructure:"STRIPE_API_BASE_URL"`
	SandboxEnabled       bool   `mapstructure:"SANDBOX_ENABLED"`
	SandboxWebhookSecret string `mapstructure:"SANDBOX_WEBHOOK_SECRET"`

	DefaultCurrency                string `mapstructure:"DEFAULT_CURRENCY"`
	IntentTTLMinutes               int    `mapstructure:"INTENT_TTL_MINUTES"`
	ProcessorIntentTimeoutSeconds  int    `mapstructure:"PROCESSOR_INTENT_TIMEOUT_SECONDS"`
	ProcessorReadTimeoutSeconds    int    `mapstructure:"PROCESSOR_READ_TIMEOUT_SECONDS"`
	ConfirmLockTTLSeconds          int    `mapstructure:"CONFIRM_LOCK_TTL_SECONDS"`
	IntentCreateRateLimitPerMinute int    `mapstructure:"INTENT_CREATE_RATE_LIMIT_PER_MINUTE"`
	WebhookRedriveSchedule         string `mapstructure:"WEBHOOK_REDRIVE_SCHEDULE"`
	ReconcileSchedule              string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileStaleAfterMinutes     int    `mapstructure:"RECONCILE_STALE_AFTER_MINUTES"`
	ReconcileBatchSize             int    `mapstructure:"RECONCILE_BATCH_SIZE"`
	ReconcileConcurrency           int    `mapstructure:"RECONCILE_CONCURRENCY"`
}

const (
	defaultIntentTTLMinutes      = 1440
	defaultIntentTimeoutSeconds  = 30
	defaultReadTimeoutSeconds    = 10
	defaultConfirmLockTTLSeconds = 60
	defaultStaleAfterMinutes     = 15
	defaultBatchSize             = 100
	defaultConcurrency           = 8
)

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("REDIS_KEY_PREFIX", "payments")
	viper.SetDefault("EVENT_BROKER", "rabbitmq")
	viper.SetDefault("EVENT_EXCHANGE", "payments.events")
	viper.SetDefault("WEBHOOK_REDRIVE_QUEUE", "payment_service.webhook_redrive")
	viper.SetDefault("KAFKA_TOPIC", "payments.events")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("DEFAULT_PROCESSOR", "stripe")
	viper.SetDefault("SANDBOX_ENABLED", false)
	viper.SetDefault("DEFAULT_CURRENCY", "USD")
	viper.SetDefault("INTENT_TTL_MINUTES", defaultIntentTTLMinutes)
	viper.SetDefault("PROCESSOR_INTENT_TIMEOUT_SECONDS", defaultIntentTimeoutSeconds)
	viper.SetDefault("PROCESSOR_READ_TIMEOUT_SECONDS", defaultReadTimeoutSeconds)
	viper.SetDefault("CONFIRM_LOCK_TTL_SECONDS", defaultConfirmLockTTLSeconds)
	viper.SetDefault("INTENT_CREATE_RATE_LIMIT_PER_MINUTE", 0)
	viper.SetDefault("WEBHOOK_REDRIVE_SCHEDULE", "@every 1m")
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 5m")
	viper.SetDefault("RECONCILE_STALE_AFTER_MINUTES", defaultStaleAfterMinutes)
	viper.SetDefault("RECONCILE_BATCH_SIZE", defaultBatchSize)
	viper.SetDefault("RECONCILE_CONCURRENCY", defaultConcurrency)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("EVENT_BROKER")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("WEBHOOK_REDRIVE_QUEUE")
	_ = viper.BindEnv("KAFKA_BROKERS")
	_ = viper.BindEnv("KAFKA_TOPIC")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("DEFAULT_PROCESSOR")
	_ = viper.BindEnv("STRIPE_SECRET_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("STRIPE_API_BASE_URL")
	_ = viper.BindEnv("SANDBOX_ENABLED")
	_ = viper.BindEnv("SANDBOX_WEBHOOK_SECRET")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("INTENT_TTL_MINUTES")
	_ = viper.BindEnv("PROCESSOR_INTENT_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PROCESSOR_READ_TIMEOUT_SECONDS")
	_ = viper.BindEnv("CONFIRM_LOCK_TTL_SECONDS")
	_ = viper.BindEnv("INTENT_CREATE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("WEBHOOK_REDRIVE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_STALE_AFTER_MINUTES")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")
	_ = viper.BindEnv("RECONCILE_CONCURRENCY")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Warn("failed to read config file; using environment values",
				zap.String("component", "config"), zap.Error(err))
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("PAYMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "payments"
	}

	config.EventBroker = strings.ToLower(strings.TrimSpace(config.EventBroker))
	if config.EventBroker != "rabbitmq" && config.EventBroker != "kafka" {
		zap.L().Warn("unknown event broker; falling back to rabbitmq",
			zap.String("component", "config"), zap.String("event_broker", config.EventBroker))
		config.EventBroker = "rabbitmq"
	}

	config.DefaultProcessor = strings.ToLower(strings.TrimSpace(config.DefaultProcessor))
	config.DefaultCurrency = strings.ToUpper(strings.TrimSpace(config.DefaultCurrency))
	if len(config.DefaultCurrency) != 3 {
		zap.L().Warn("invalid default currency; using USD",
			zap.String("component", "config"), zap.String("default_currency", config.DefaultCurrency))
		config.DefaultCurrency = "USD"
	}

	coercePositive(&config.IntentTTLMinutes, "INTENT_TTL_MINUTES", defaultIntentTTLMinutes)
	coercePositive(&config.ProcessorIntentTimeoutSeconds, "PROCESSOR_INTENT_TIMEOUT_SECONDS", defaultIntentTimeoutSeconds)
	coercePositive(&config.ProcessorReadTimeoutSeconds, "PROCESSOR_READ_TIMEOUT_SECONDS", defaultReadTimeoutSeconds)
	coercePositive(&config.ConfirmLockTTLSeconds, "CONFIRM_LOCK_TTL_SECONDS", defaultConfirmLockTTLSeconds)
	coercePositive(&config.ReconcileStaleAfterMinutes, "RECONCILE_STALE_AFTER_MINUTES", defaultStaleAfterMinutes)
	coercePositive(&config.ReconcileBatchSize, "RECONCILE_BATCH_SIZE", defaultBatchSize)
	coercePositive(&config.ReconcileConcurrency, "RECONCILE_CONCURRENCY", defaultConcurrency)
	if config.IntentCreateRateLimitPerMinute < 0 {
		zap.L().Warn("negative intent rate limit configured; disabling",
			zap.String("component", "config"), zap.Int("limit", config.IntentCreateRateLimitPerMinute))
		config.IntentCreateRateLimitPerMinute = 0
	}

	return
}

func coercePositive(value *int, key string, fallback int) {
	if *value > 0 {
		return
	}
	zap.L().Warn("non-positive value configured; using default",
		zap.String("component", "config"), zap.String("key", key), zap.Int("value", *value), zap.Int("default", fallback))
	*value = fallback
}

// KafkaBrokerList splits KAFKA_BROKERS on commas.
func (c Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	origins := splitList(c.CORSAllowedOrigins)
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (c Config) IntentTTL() time.Duration {
	return time.Duration(c.IntentTTLMinutes) * time.Minute
}

func (c Config) ProcessorIntentTimeout() time.Duration {
	return time.Duration(c.ProcessorIntentTimeoutSeconds) * time.Second
}

func (c Config) ProcessorReadTimeout() time.Duration {
	return time.Duration(c.ProcessorReadTimeoutSeconds) * time.Second
}

func (c Config) ConfirmLockTTL() time.Duration {
	return time.Duration(c.ConfirmLockTTLSeconds) * time.Second
}

func (c Config) ReconcileStaleAfter() time.Duration {
	return time.Duration(c.ReconcileStaleAfterMinutes) * time.Minute
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
