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
	Port           string
	Env            string // "development", "staging", "production"
	LogLevel       string
	LogFormat      string // "json" or "text"
	RequestTimeout time.Duration

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // redis://host:port/db (optional, uses in-process store if not set)

	// Prediction cache
	CacheTTL     time.Duration
	CacheLockTTL time.Duration

	// Rate limiting
	IPRateLimit         int
	IPRateWindow        time.Duration
	RateLimitPolicyPath string // optional YAML endpoint overrides

	// Model
	ModelWeightsPath string // optional YAML weight set; compiled default otherwise

	// Billing
	StripeAPIKey     string
	StripeMeterEvent string

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret string
	CORSOrigins []string // empty allows any origin
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultRequestTimeout   = 2 * time.Second
	DefaultCacheTTL         = 300 * time.Second
	DefaultCacheLockTTL     = 5 * time.Second
	DefaultIPRateLimit      = 10
	DefaultIPRateWindow     = 60 * time.Second
	DefaultStripeMeterEvent = "fraud_api_overage"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	defaultFormat := "text"
	if env == "production" {
		defaultFormat = "json"
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 env,
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", defaultFormat),
		RequestTimeout:      getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		CacheTTL:            getEnvDuration("CACHE_TTL", DefaultCacheTTL),
		CacheLockTTL:        getEnvDuration("CACHE_LOCK_TTL", DefaultCacheLockTTL),
		IPRateLimit:         int(getEnvInt64("IP_RATE_LIMIT", DefaultIPRateLimit)),
		IPRateWindow:        getEnvDuration("IP_RATE_WINDOW", DefaultIPRateWindow),
		RateLimitPolicyPath: os.Getenv("RATE_LIMIT_POLICY_PATH"),
		ModelWeightsPath:    os.Getenv("MODEL_WEIGHTS_PATH"),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		StripeMeterEvent:    getEnv("STRIPE_METER_EVENT", DefaultStripeMeterEvent),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		CORSOrigins:         getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	if c.CacheLockTTL <= 0 {
		return fmt.Errorf("CACHE_LOCK_TTL must be positive")
	}
	if c.IPRateLimit <= 0 {
		return fmt.Errorf("IP_RATE_LIMIT must be positive")
	}
	if c.IPRateWindow <= 0 {
		return fmt.Errorf("IP_RATE_WINDOW must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvDuration accepts Go durations ("300s", "5m") or bare seconds ("300").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
