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
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the payout-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	EventExchange            string `mapstructure:"EVENT_EXCHANGE"`
	TransferEventQueue       string `mapstructure:"TRANSFER_EVENT_QUEUE"`
	PayrailAPIBaseURL        string `mapstructure:"PAYRAIL_API_BASE_URL"`
	PayrailAPIKey            string `mapstructure:"PAYRAIL_API_KEY"`
	JWKSURL                  string `mapstructure:"JWKS_URL"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	TransferTimeoutSeconds   int    `mapstructure:"TRANSFER_TIMEOUT_SECONDS"`
	TransferMaxAttempts      int    `mapstructure:"TRANSFER_MAX_ATTEMPTS"`
	TransferRetryBackoffMs   int    `mapstructure:"TRANSFER_RETRY_BACKOFF_MS"`
	TransferConcurrency      int    `mapstructure:"TRANSFER_CONCURRENCY"`
	ManualMethodMaxCents     int64  `mapstructure:"MANUAL_METHOD_MAX_CENTS"`
	RetryRateLimitPerMinute  int    `mapstructure:"RETRY_RATE_LIMIT_PER_MINUTE"`
	StaleClaimSweepSchedule  string `mapstructure:"STALE_CLAIM_SWEEP_SCHEDULE"`
	TransientRetrySchedule   string `mapstructure:"TRANSIENT_RETRY_SCHEDULE"`
	StaleClaimAgeMinutes     int    `mapstructure:"STALE_CLAIM_AGE_MINUTES"`
	TransientRetryAgeMinutes int    `mapstructure:"TRANSIENT_RETRY_AGE_MINUTES"`
	TransientRetryBatchSize  int    `mapstructure:"TRANSIENT_RETRY_BATCH_SIZE"`
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
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "royaltybase:rate_limit")
	viper.SetDefault("EVENT_EXCHANGE", "royaltybase.events")
	viper.SetDefault("TRANSFER_EVENT_QUEUE", "payout_service.transfer_updates")
	viper.SetDefault("TRANSFER_TIMEOUT_SECONDS", 30)
	viper.SetDefault("TRANSFER_MAX_ATTEMPTS", 3)
	viper.SetDefault("TRANSFER_RETRY_BACKOFF_MS", 500)
	viper.SetDefault("TRANSFER_CONCURRENCY", 8)
	viper.SetDefault("MANUAL_METHOD_MAX_CENTS", 100)
	viper.SetDefault("RETRY_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("STALE_CLAIM_SWEEP_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("TRANSIENT_RETRY_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("STALE_CLAIM_AGE_MINUTES", 30)
	viper.SetDefault("TRANSIENT_RETRY_AGE_MINUTES", 15)
	viper.SetDefault("TRANSIENT_RETRY_BATCH_SIZE", 50)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYOUT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("TRANSFER_EVENT_QUEUE")
	_ = viper.BindEnv("PAYRAIL_API_BASE_URL")
	_ = viper.BindEnv("PAYRAIL_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYOUT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("TRANSFER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("TRANSFER_MAX_ATTEMPTS")
	_ = viper.BindEnv("TRANSFER_RETRY_BACKOFF_MS")
	_ = viper.BindEnv("TRANSFER_CONCURRENCY")
	_ = viper.BindEnv("MANUAL_METHOD_MAX_CENTS")
	_ = viper.BindEnv("RETRY_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("STALE_CLAIM_SWEEP_SCHEDULE")
	_ = viper.BindEnv("TRANSIENT_RETRY_SCHEDULE")
	_ = viper.BindEnv("STALE_CLAIM_AGE_MINUTES")
	_ = viper.BindEnv("TRANSIENT_RETRY_AGE_MINUTES")
	_ = viper.BindEnv("TRANSIENT_RETRY_BATCH_SIZE")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("PAYOUT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "royaltybase:rate_limit"
	}

	if config.TransferTimeoutSeconds <= 0 {
		config.TransferTimeoutSeconds = 30
	}
	if config.TransferMaxAttempts <= 0 {
		config.TransferMaxAttempts = 3
	}
	if config.TransferRetryBackoffMs <= 0 {
		config.TransferRetryBackoffMs = 500
	}
	if config.TransferConcurrency <= 0 {
		config.TransferConcurrency = 8
	}
	if config.ManualMethodMaxCents < 0 {
		log.Printf("level=warn component=config msg=\"negative manual method threshold configured; coercing to zero\" max_cents=%d", config.ManualMethodMaxCents)
		config.ManualMethodMaxCents = 0
	}
	if config.RetryRateLimitPerMinute <= 0 {
		config.RetryRateLimitPerMinute = 10
	}
	if config.StaleClaimAgeMinutes <= 0 {
		config.StaleClaimAgeMinutes = 30
	}
	if config.TransientRetryAgeMinutes <= 0 {
		config.TransientRetryAgeMinutes = 15
	}
	if config.TransientRetryBatchSize <= 0 {
		config.TransientRetryBatchSize = 50
	}

	return
}
