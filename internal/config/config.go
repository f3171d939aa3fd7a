/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Reconciliation modes. Single assumes a 1:1 mapping between a purchase
// identity and an internal user; multi defers the revocation decision to a
// candidate-resolution pass because one identity may serve several users.
const (
	ModeSingleIdentity = "single"
	ModeMultiIdentity  = "multi"
)

// Config holds all the configuration variables for the clawback-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string `mapstructure:"DATABASE_URL"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix         string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	RefundEventQueue             string `mapstructure:"REFUND_EVENT_QUEUE"`
	StorefrontAPIBaseURL         string `mapstructure:"STOREFRONT_API_BASE_URL"`
	StorefrontTenantID           string `mapstructure:"STOREFRONT_TENANT_ID"`
	StorefrontClientSecret       string `mapstructure:"STOREFRONT_CLIENT_SECRET"`
	BalanceServiceURL            string `mapstructure:"BALANCE_SERVICE_URL"`
	BalanceServiceInternalAPIKey string `mapstructure:"BALANCE_SERVICE_INTERNAL_API_KEY"`
	InternalAPIKey               string `mapstructure:"INTERNAL_API_KEY"`
	AdminJWTSecret               string `mapstructure:"ADMIN_JWT_SECRET"`
	ClawbackMode                 string `mapstructure:"CLAWBACK_MODE"`
	ReconcileIncludeRefunded     bool   `mapstructure:"RECONCILE_INCLUDE_REFUNDED"`
	TargetSandboxID              string `mapstructure:"TARGET_SANDBOX_ID"`
	SweepSchedule                string `mapstructure:"SWEEP_SCHEDULE"`
	EventDrainSchedule           string `mapstructure:"EVENT_DRAIN_SCHEDULE"`
	EventDrainTimeoutSeconds     int    `mapstructure:"EVENT_DRAIN_TIMEOUT_SECONDS"`
	EventFetchBatchSize          int    `mapstructure:"EVENT_FETCH_BATCH_SIZE"`
	IdentityRetentionDays        int    `mapstructure:"IDENTITY_RETENTION_DAYS"`
	ResolveFallbackEarliest      bool   `mapstructure:"RESOLVE_FALLBACK_EARLIEST"`
	SweepTriggerRateLimitPerMin  int    `mapstructure:"SWEEP_TRIGGER_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("REFUND_EVENT_QUEUE", "clawback_service.refund_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "playverse:rate_limit")
	viper.SetDefault("CLAWBACK_MODE", ModeSingleIdentity)
	viper.SetDefault("RECONCILE_INCLUDE_REFUNDED", false)
	viper.SetDefault("TARGET_SANDBOX_ID", "RETAIL")
	viper.SetDefault("SWEEP_SCHEDULE", "0 3 * * *")
	viper.SetDefault("EVENT_DRAIN_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("EVENT_DRAIN_TIMEOUT_SECONDS", 270)
	viper.SetDefault("EVENT_FETCH_BATCH_SIZE", 32)
	viper.SetDefault("IDENTITY_RETENTION_DAYS", 90)
	viper.SetDefault("RESOLVE_FALLBACK_EARLIEST", false)
	viper.SetDefault("SWEEP_TRIGGER_RATE_LIMIT_PER_MINUTE", 6)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CLAWBACK_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REFUND_EVENT_QUEUE")
	_ = viper.BindEnv("STOREFRONT_API_BASE_URL")
	_ = viper.BindEnv("STOREFRONT_TENANT_ID")
	_ = viper.BindEnv("STOREFRONT_CLIENT_SECRET")
	_ = viper.BindEnv("BALANCE_SERVICE_URL")
	_ = viper.BindEnv("BALANCE_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CLAWBACK_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("ADMIN_JWT_SECRET")
	_ = viper.BindEnv("CLAWBACK_MODE")
	_ = viper.BindEnv("RECONCILE_INCLUDE_REFUNDED")
	_ = viper.BindEnv("TARGET_SANDBOX_ID")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("EVENT_DRAIN_SCHEDULE")
	_ = viper.BindEnv("EVENT_DRAIN_TIMEOUT_SECONDS")
	_ = viper.BindEnv("EVENT_FETCH_BATCH_SIZE")
	_ = viper.BindEnv("IDENTITY_RETENTION_DAYS")
	_ = viper.BindEnv("RESOLVE_FALLBACK_EARLIEST")
	_ = viper.BindEnv("SWEEP_TRIGGER_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("CLAWBACK_SERVICE_INTERNAL_API_KEY"))
	}
	config.BalanceServiceInternalAPIKey = strings.TrimSpace(config.BalanceServiceInternalAPIKey)
	if config.BalanceServiceInternalAPIKey == "" {
		config.BalanceServiceInternalAPIKey = config.InternalAPIKey
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "playverse:rate_limit"
	}

	config.ClawbackMode = strings.ToLower(strings.TrimSpace(config.ClawbackMode))
	if config.ClawbackMode != ModeSingleIdentity && config.ClawbackMode != ModeMultiIdentity {
		return config, fmt.Errorf("invalid CLAWBACK_MODE %q: must be %q or %q", config.ClawbackMode, ModeSingleIdentity, ModeMultiIdentity)
	}

	if config.IdentityRetentionDays <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive identity retention configured; using default\" days=%d", config.IdentityRetentionDays)
		config.IdentityRetentionDays = 90
	}
	if config.EventFetchBatchSize <= 0 {
		config.EventFetchBatchSize = 32
	}
	if config.EventDrainTimeoutSeconds <= 0 {
		config.EventDrainTimeoutSeconds = 270
	}
	if config.SweepTriggerRateLimitPerMin < 0 {
		config.SweepTriggerRateLimitPerMin = 0
	}

	return
}
