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
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Money settings
	Currency           string // Settlement currency for the marketplace
	MarketplaceFeeBps  int64  // Marketplace commission in basis points
	ProcessingFeeBps   int64  // Payment processing rate in basis points
	ProcessingFixedFee int64  // Fixed processing fee in minor units

	// Escrow settings
	AutoReleaseAfter time.Duration // held -> released when delivery confirmation never arrives

	// Payment processor
	StripeKey      string // Stripe secret key; empty uses the static demo processor
	PaymentTimeout time.Duration

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)

	// Security
	RateLimitRPM  int
	WebhookSecret string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultCurrency          = "USD"
	DefaultMarketplaceFeeBps = 500 // 5%
	DefaultProcessingFeeBps  = 290 // 2.9%
	DefaultProcessingFixed   = 30  // $0.30
	DefaultRateLimitRPM      = 120
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Currency:           getEnv("CURRENCY", DefaultCurrency),
		MarketplaceFeeBps:  getEnvInt64("MARKETPLACE_FEE_BPS", DefaultMarketplaceFeeBps),
		ProcessingFeeBps:   getEnvInt64("PROCESSING_FEE_BPS", DefaultProcessingFeeBps),
		ProcessingFixedFee: getEnvInt64("PROCESSING_FIXED_FEE", DefaultProcessingFixed),
		AutoReleaseAfter:   getEnvDuration("ESCROW_AUTO_RELEASE_AFTER", 72*time.Hour),
		StripeKey:          os.Getenv("STRIPE_SECRET_KEY"),
		PaymentTimeout:     getEnvDuration("PAYMENT_TIMEOUT", 15*time.Second),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a three-letter ISO code, got %q", c.Currency)
	}
	if c.MarketplaceFeeBps < 0 || c.MarketplaceFeeBps > 10000 {
		return fmt.Errorf("MARKETPLACE_FEE_BPS must be between 0 and 10000, got %d", c.MarketplaceFeeBps)
	}
	if c.ProcessingFeeBps < 0 || c.ProcessingFeeBps > 10000 {
		return fmt.Errorf("PROCESSING_FEE_BPS must be between 0 and 10000, got %d", c.ProcessingFeeBps)
	}
	if c.MarketplaceFeeBps+c.ProcessingFeeBps >= 10000 {
		return fmt.Errorf("combined fee rates leave nothing for the seller")
	}
	if c.ProcessingFixedFee < 0 {
		return fmt.Errorf("PROCESSING_FIXED_FEE must not be negative")
	}
	if c.PaymentTimeout <= 0 {
		return fmt.Errorf("PAYMENT_TIMEOUT must be positive")
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
