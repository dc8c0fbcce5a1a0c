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

	// Deployment is the environment prefix stamped into receipt keys,
	// e.g. "prod" or "stage". Receipts written by one deployment never
	// collide with another sharing the same database.
	Deployment string

	// Apple App Store
	AppleVerifyURL        string
	AppleSandboxVerifyURL string
	AppleSharedSecret     string
	AppleBundleID         string

	// Google Play
	GooglePlayPublicKey      string // Base64 DER public key from the Play console
	GooglePackageName        string
	GoogleServiceAccountJSON string // Path to the service account key file
	VoidedPollInterval       time.Duration

	// Downstream player service used for bans and lookups
	PlayerServiceURL   string
	PlayerServiceToken string

	// Alerting
	AlertWebhookURL  string // Ops alert sink (rate-limited)
	NotifyWebhookURL string // Chat channel for chargeback notices

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP gRPC collector, tracing disabled when empty
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultDeployment       = "dev"
	DefaultAppleVerifyURL   = "https://buy.itunes.apple.com/verifyReceipt"
	DefaultAppleSandboxURL  = "https://sandbox.itunes.apple.com/verifyReceipt"
	DefaultVoidedPollPeriod = time.Minute
	DefaultRateLimit        = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:              os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Deployment:               getEnv("DEPLOYMENT", DefaultDeployment),
		AppleVerifyURL:           getEnv("APPLE_VERIFY_URL", DefaultAppleVerifyURL),
		AppleSandboxVerifyURL:    getEnv("APPLE_SANDBOX_VERIFY_URL", DefaultAppleSandboxURL),
		AppleSharedSecret:        os.Getenv("APPLE_SHARED_SECRET"),
		AppleBundleID:            os.Getenv("APPLE_BUNDLE_ID"),
		GooglePlayPublicKey:      os.Getenv("GOOGLE_PLAY_PUBLIC_KEY"),
		GooglePackageName:        os.Getenv("GOOGLE_PACKAGE_NAME"),
		GoogleServiceAccountJSON: os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"),
		VoidedPollInterval:       getEnvDuration("VOIDED_POLL_INTERVAL", DefaultVoidedPollPeriod),
		PlayerServiceURL:         os.Getenv("PLAYER_SERVICE_URL"),
		PlayerServiceToken:       os.Getenv("PLAYER_SERVICE_TOKEN"),
		AlertWebhookURL:          os.Getenv("ALERT_WEBHOOK_URL"),
		NotifyWebhookURL:         os.Getenv("NOTIFY_WEBHOOK_URL"),
		AdminSecret:              os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:             int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:             os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Deployment == "" {
		return fmt.Errorf("DEPLOYMENT is required")
	}

	if c.VoidedPollInterval < time.Second {
		return fmt.Errorf("VOIDED_POLL_INTERVAL must be at least 1s")
	}

	// Store credentials are optional individually (a deployment may serve
	// a single store) but production needs at least one configured.
	if c.IsProduction() && c.AppleSharedSecret == "" && c.GooglePlayPublicKey == "" {
		return fmt.Errorf("production requires APPLE_SHARED_SECRET or GOOGLE_PLAY_PUBLIC_KEY")
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
