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

	// Session policy. The reference configurations disagreed on a default
	// timeout, so there is none: SESSION_TIMEOUT_MINUTES must be set.
	SessionTimeoutMinutes int

	// PIN lockout policy
	PINMaxAttempts int
	LockoutMinutes int

	// Fraud heuristic
	FraudAmountThreshold    float64
	FraudFrequencyThreshold int
	FraudWindowHours        int

	// Notifications
	AlertWebhookURL    string // Optional; alerts go to the log when unset
	AlertWebhookSecret string // HMAC secret for signing alert payloads

	// Platform tag stamped on audit events
	Platform string

	// Observability
	OTLPEndpoint string
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultPINMaxAttempts = 5
	DefaultLockoutMinutes = 15
	DefaultFraudAmount    = 1000.0
	DefaultFraudFrequency = 5
	DefaultFraudWindowHrs = 24
	DefaultRateLimitRPM   = 60
	DefaultPlatform       = "server"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:             os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		SessionTimeoutMinutes:   int(getEnvInt64("SESSION_TIMEOUT_MINUTES", 0)), // Required, no default
		PINMaxAttempts:          int(getEnvInt64("PIN_MAX_ATTEMPTS", DefaultPINMaxAttempts)),
		LockoutMinutes:          int(getEnvInt64("PIN_LOCKOUT_MINUTES", DefaultLockoutMinutes)),
		FraudAmountThreshold:    getEnvFloat("FRAUD_AMOUNT_THRESHOLD", DefaultFraudAmount),
		FraudFrequencyThreshold: int(getEnvInt64("FRAUD_FREQUENCY_THRESHOLD", DefaultFraudFrequency)),
		FraudWindowHours:        int(getEnvInt64("FRAUD_WINDOW_HOURS", DefaultFraudWindowHrs)),
		AlertWebhookURL:         os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret:      os.Getenv("ALERT_WEBHOOK_SECRET"),
		Platform:                getEnv("PLATFORM", DefaultPlatform),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:            int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SessionTimeoutMinutes <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT_MINUTES is required and must be positive")
	}
	if c.PINMaxAttempts <= 0 {
		return fmt.Errorf("PIN_MAX_ATTEMPTS must be positive")
	}
	if c.LockoutMinutes <= 0 {
		return fmt.Errorf("PIN_LOCKOUT_MINUTES must be positive")
	}
	if c.FraudWindowHours <= 0 {
		return fmt.Errorf("FRAUD_WINDOW_HOURS must be positive")
	}
	return nil
}

// SessionTimeout returns the session timeout as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// LockoutWindow returns the PIN lockout window as a duration.
func (c *Config) LockoutWindow() time.Duration {
	return time.Duration(c.LockoutMinutes) * time.Minute
}

// FraudWindow returns the fraud frequency window as a duration.
func (c *Config) FraudWindow() time.Duration {
	return time.Duration(c.FraudWindowHours) * time.Hour
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
