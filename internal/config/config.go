package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port string
	Mode string

	// Database configuration
	DatabaseURL string

	// Redis configuration
	RedisURL string

	// Client API authentication
	APIKey      string
	AdminAPIKey string

	// Apple App Store Server API
	AppleKeyID      string
	AppleIssuerID   string
	AppleBundleID   string
	ApplePrivateKey string // PEM-encoded EC private key
	AppleSandbox    bool

	// Google Play Developer API
	GooglePackageName        string
	GoogleServiceAccountJSON string // path to service account key file

	// Event processing
	QueueWorkers      int
	VerifyTimeout     time.Duration
	MaxProcessRetries int

	// Monthly reset boundary timezone
	OperationalTimezone string

	// Reconciliation
	ReconcileInterval       time.Duration
	ReconcileSampleFraction float64

	// Outbound webhook (app backend notification)
	WebhookCallbackURL string
	WebhookSecret      string
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	AppConfig = &Config{
		Port:                     getEnv("PORT", "8080"),
		Mode:                     getEnv("GIN_MODE", "debug"),
		DatabaseURL:              getEnv("DATABASE_URL", ""),
		RedisURL:                 getEnv("REDIS_URL", "redis://localhost:6379/0"),
		APIKey:                   getEnv("API_KEY", ""),
		AdminAPIKey:              getEnv("ADMIN_API_KEY", ""),
		AppleKeyID:               getEnv("APPLE_KEY_ID", ""),
		AppleIssuerID:            getEnv("APPLE_ISSUER_ID", ""),
		AppleBundleID:            getEnv("APPLE_BUNDLE_ID", ""),
		ApplePrivateKey:          getEnv("APPLE_PRIVATE_KEY", ""),
		AppleSandbox:             getEnvBool("APPLE_SANDBOX", false),
		GooglePackageName:        getEnv("GOOGLE_PACKAGE_NAME", ""),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		QueueWorkers:             getEnvInt("QUEUE_WORKERS", 3),
		VerifyTimeout:            getEnvDuration("VERIFY_TIMEOUT", 15*time.Second),
		MaxProcessRetries:        getEnvInt("MAX_PROCESS_RETRIES", 3),
		OperationalTimezone:      getEnv("OPERATIONAL_TIMEZONE", "UTC"),
		ReconcileInterval:        getEnvDuration("RECONCILE_INTERVAL", 24*time.Hour),
		ReconcileSampleFraction:  getEnvFloat("RECONCILE_SAMPLE_FRACTION", 0.05),
		WebhookCallbackURL:       getEnv("WEBHOOK_CALLBACK_URL", ""),
		WebhookSecret:            getEnv("WEBHOOK_SECRET", ""),
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
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
