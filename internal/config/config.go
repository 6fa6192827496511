// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional; enables the cross-instance sweeper lock

	// Security
	AdminSecret         string // Bearer token for gate + admin routes
	StripeWebhookSecret string

	// Notification relay (optional)
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	// Model classification YAML (optional, built-in table otherwise)
	ModelsFile string

	// Tier engine
	GracePeriodHours     int
	FreeDailyAllowance   int64
	FreeMonthlyAllowance int64
	LowBalanceThreshold  int64
	SweepInterval        time.Duration

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultGracePeriodHours     = 24
	DefaultFreeDailyAllowance   = 50
	DefaultFreeMonthlyAllowance = 0
	DefaultLowBalanceThreshold  = 100
	DefaultSweepInterval        = 2 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		NotifyWebhookURL:     os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:  os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		ModelsFile:           os.Getenv("MODELS_FILE"),
		GracePeriodHours:     int(getEnvInt64("GRACE_PERIOD_HOURS", DefaultGracePeriodHours)),
		FreeDailyAllowance:   getEnvInt64("FREE_DAILY_ALLOWANCE", DefaultFreeDailyAllowance),
		FreeMonthlyAllowance: getEnvInt64("FREE_MONTHLY_ALLOWANCE", DefaultFreeMonthlyAllowance),
		LowBalanceThreshold:  getEnvInt64("LOW_BALANCE_THRESHOLD", DefaultLowBalanceThreshold),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.GracePeriodHours < 0 {
		return fmt.Errorf("GRACE_PERIOD_HOURS must be >= 0")
	}
	if c.FreeDailyAllowance < 0 || c.FreeMonthlyAllowance < 0 {
		return fmt.Errorf("free allowances must be >= 0")
	}
	if c.LowBalanceThreshold < 0 {
		return fmt.Errorf("LOW_BALANCE_THRESHOLD must be >= 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	return nil
}

// GracePeriod returns the grace window as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodHours) * time.Hour
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
