// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
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

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement
	DefaultCurrency string
	PlatformFeeBps  int64
	DriverShareBps  int64
	PlatformUserID  string // wallet owner credited with platform fees
	EscrowTimeout   time.Duration
	SweepInterval   time.Duration
	SweepBatchSize  int

	ReconcileInterval time.Duration // 0 disables the background check

	// Withdrawals
	WithdrawalFees string // "method:bps[:flat],..."
	MinWithdrawal  int64

	// Notifications
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	// Observability
	OTelEndpoint string

	// Security
	AdminSecret  string
	RateLimitRPM int
	CORSOrigins  []string // empty allows any origin
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultCurrency        = "CDF"
	DefaultPlatformFeeBps  = 500
	DefaultDriverShareBps  = 1500
	DefaultPlatformUserID  = "platform"
	DefaultEscrowTimeout   = 72 * time.Hour
	DefaultSweepInterval   = 5 * time.Minute
	DefaultSweepBatchSize  = 100
	DefaultReconcile       = time.Hour
	DefaultWithdrawalFees  = "mobile_money:150,bank_transfer:100:500,card:250"
	DefaultMinWithdrawal   = 1000
	DefaultRateLimitPerMin = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DefaultCurrency:     getEnv("DEFAULT_CURRENCY", DefaultCurrency),
		PlatformFeeBps:      getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBps),
		DriverShareBps:      getEnvInt64("DRIVER_SHARE_BPS", DefaultDriverShareBps),
		PlatformUserID:      getEnv("PLATFORM_USER_ID", DefaultPlatformUserID),
		EscrowTimeout:       getEnvDuration("ESCROW_TIMEOUT", DefaultEscrowTimeout),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepBatchSize:      int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatchSize)),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcile),
		WithdrawalFees:      getEnv("WITHDRAWAL_FEES", DefaultWithdrawalFees),
		MinWithdrawal:       getEnvInt64("MIN_WITHDRAWAL", DefaultMinWithdrawal),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		OTelEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitPerMin)),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.PlatformFeeBps < 0 || c.DriverShareBps < 0 {
		return fmt.Errorf("PLATFORM_FEE_BPS and DRIVER_SHARE_BPS must not be negative")
	}
	if c.PlatformFeeBps+c.DriverShareBps > 10_000 {
		return fmt.Errorf("PLATFORM_FEE_BPS + DRIVER_SHARE_BPS must not exceed 10000")
	}
	if c.EscrowTimeout <= 0 {
		return fmt.Errorf("ESCROW_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}
	if c.MinWithdrawal < 0 {
		return fmt.Errorf("MIN_WITHDRAWAL must not be negative")
	}
	if c.DefaultCurrency == "" {
		return fmt.Errorf("DEFAULT_CURRENCY is required")
	}
	if c.PlatformUserID == "" {
		return fmt.Errorf("PLATFORM_USER_ID is required")
	}
	if c.NotifyWebhookURL != "" && c.NotifyWebhookSecret == "" {
		return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if len(c.AdminSecret) < 32 {
			return fmt.Errorf("ADMIN_SECRET must be at least 32 characters in production")
		}
	}

	return nil
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

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
