// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"math"
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
	LogFormat string // "text" or "json"

	// Scoring
	ModelPath      string
	AlertThreshold float64  // required, in [0,1]
	FeatureSchema  []string // optional; must equal the artifact's features when set

	// Alert store
	AlertStore  string // "sqlite", "postgres", "memory"
	SQLitePath  string
	DatabaseURL string

	// Bulk path
	BulkWorkers        int
	BulkMaxRows        int
	BulkMaxUploadBytes int64

	// Store resilience
	StoreRetryAttempts    int
	StoreBreakerThreshold int
	StoreBreakerCooldown  time.Duration

	// Security
	RateLimitRPM   int // 0 disables rate limiting
	RateLimitBurst int
	CORSOrigins    []string

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                  = "8000"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultModelPath             = "models/fastag_fraud_model.json"
	DefaultAlertStore            = "sqlite"
	DefaultSQLitePath            = "alerts.db"
	DefaultBulkWorkers           = 8
	DefaultBulkMaxRows           = 100000
	DefaultBulkMaxUploadBytes    = 32 << 20
	DefaultStoreRetryAttempts    = 3
	DefaultStoreBreakerThreshold = 5
	DefaultStoreBreakerCooldown  = 30 * time.Second
	DefaultRateLimitRPM          = 600
	DefaultRateLimitBurst        = 50
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		ModelPath:             getEnv("MODEL_PATH", DefaultModelPath),
		FeatureSchema:         getEnvList("FEATURE_SCHEMA"),
		AlertStore:            getEnv("ALERT_STORE", DefaultAlertStore),
		SQLitePath:            getEnv("SQLITE_PATH", DefaultSQLitePath),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		BulkWorkers:           int(getEnvInt64("BULK_WORKERS", DefaultBulkWorkers)),
		BulkMaxRows:           int(getEnvInt64("BULK_MAX_ROWS", DefaultBulkMaxRows)),
		BulkMaxUploadBytes:    getEnvInt64("BULK_MAX_UPLOAD_BYTES", DefaultBulkMaxUploadBytes),
		StoreRetryAttempts:    int(getEnvInt64("STORE_RETRY_ATTEMPTS", DefaultStoreRetryAttempts)),
		StoreBreakerThreshold: int(getEnvInt64("STORE_BREAKER_THRESHOLD", DefaultStoreBreakerThreshold)),
		StoreBreakerCooldown:  getEnvDuration("STORE_BREAKER_COOLDOWN", DefaultStoreBreakerCooldown),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:        int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:           getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	threshold, err := ParseThreshold(os.Getenv("ALERT_THRESHOLD"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.AlertThreshold = threshold

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// ParseThreshold parses an ALERT_THRESHOLD value. There is no default: an
// empty value is an error.
func ParseThreshold(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("ALERT_THRESHOLD is required")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || v < 0 || v > 1 {
		return 0, fmt.Errorf("ALERT_THRESHOLD must be a number in [0,1], got %q", s)
	}
	return v, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	var errs []error
	if c.AlertThreshold < 0 || c.AlertThreshold > 1 || math.IsNaN(c.AlertThreshold) {
		errs = append(errs, fmt.Errorf("ALERT_THRESHOLD must be in [0,1]"))
	}
	if c.ModelPath == "" {
		errs = append(errs, fmt.Errorf("MODEL_PATH is required"))
	}
	switch c.AlertStore {
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("SQLITE_PATH is required for the sqlite store"))
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the postgres store"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("ALERT_STORE must be sqlite, postgres, or memory, got %q", c.AlertStore))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if c.BulkWorkers < 1 {
		errs = append(errs, fmt.Errorf("BULK_WORKERS must be at least 1"))
	}
	if c.BulkMaxRows < 1 {
		errs = append(errs, fmt.Errorf("BULK_MAX_ROWS must be at least 1"))
	}
	if c.BulkMaxUploadBytes < 1 {
		errs = append(errs, fmt.Errorf("BULK_MAX_UPLOAD_BYTES must be at least 1"))
	}
	if c.StoreRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("STORE_RETRY_ATTEMPTS must be at least 1"))
	}
	if c.RateLimitRPM < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPM must not be negative"))
	}
	if c.IsProduction() && c.AlertStore == "memory" {
		errs = append(errs, fmt.Errorf("ALERT_STORE=memory is not durable and not allowed in production"))
	}
	return errors.Join(errs...)
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
	return ParseList(os.Getenv(key))
}

// ParseList splits a comma-separated value such as FEATURE_SCHEMA, dropping
// blank entries. An empty value yields nil.
func ParseList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
