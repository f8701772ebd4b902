package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "")
	setEnv(t, "CACHE_TTL", "")
	setEnv(t, "IP_RATE_LIMIT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultCacheTTL, cfg.CacheTTL)
	assert.Equal(t, DefaultIPRateLimit, cfg.IPRateLimit)
	assert.Equal(t, DefaultIPRateWindow, cfg.IPRateWindow)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "CACHE_TTL", "120")
	setEnv(t, "IP_RATE_WINDOW", "2m")
	setEnv(t, "REDIS_URL", "redis://localhost:6379/0")
	setEnv(t, "CORS_ALLOWED_ORIGINS", "https://console.example.com, ,https://ops.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 120*time.Second, cfg.CacheTTL)
	assert.Equal(t, 2*time.Minute, cfg.IPRateWindow)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, []string{"https://console.example.com", "https://ops.example.com"}, cfg.CORSOrigins)
}

func TestLoad_ProductionRequiresAdminSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "ADMIN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_SECRET")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:           "8080",
			Env:            "development",
			RequestTimeout: time.Second,
			CacheTTL:       time.Minute,
			CacheLockTTL:   time.Second,
			IPRateLimit:    10,
			IPRateWindow:   time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no port", func(c *Config) { c.Port = "" }, "PORT"},
		{"zero ttl", func(c *Config) { c.CacheTTL = 0 }, "CACHE_TTL"},
		{"zero lock ttl", func(c *Config) { c.CacheLockTTL = 0 }, "CACHE_LOCK_TTL"},
		{"zero ip limit", func(c *Config) { c.IPRateLimit = 0 }, "IP_RATE_LIMIT"},
		{"zero ip window", func(c *Config) { c.IPRateWindow = 0 }, "IP_RATE_WINDOW"},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, "REQUEST_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
