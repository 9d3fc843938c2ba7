// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	StripeSecretKey     string
	StripeWebhookSecret string

	// Release split. Rates are in basis points so the split math never
	// touches floating point.
	CommissionRateBPS int64
	PlatformFeeBPS    int64

	// Funding limits, in minor currency units.
	MaxFundAmount int64

	// Security
	AdminSecret string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultCommissionRateBPS = 2000 // 20%
	DefaultPlatformFeeBPS    = 250  // 2.5%
	DefaultMaxFundAmount     = 5_000_000
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CommissionRateBPS:   getEnvInt64("COMMISSION_RATE_BPS", DefaultCommissionRateBPS),
		PlatformFeeBPS:      getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBPS),
		MaxFundAmount:       getEnvInt64("MAX_FUND_AMOUNT", DefaultMaxFundAmount),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and sane.
// Stripe credentials are mandatory in production only; development runs
// against the in-memory stack without them.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
	}
	if c.StripeSecretKey != "" &&
		!strings.HasPrefix(c.StripeSecretKey, "sk_") && !strings.HasPrefix(c.StripeSecretKey, "rk_") {
		return fmt.Errorf("STRIPE_SECRET_KEY must be a secret or restricted key")
	}
	if c.CommissionRateBPS < 0 || c.PlatformFeeBPS < 0 {
		return fmt.Errorf("split rates must be non-negative")
	}
	if c.CommissionRateBPS+c.PlatformFeeBPS >= 10000 {
		return fmt.Errorf("split rates must leave a positive professional share")
	}
	if c.MaxFundAmount <= 0 {
		return fmt.Errorf("MAX_FUND_AMOUNT must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

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
