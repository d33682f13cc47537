package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, TierLimit{MaxRequests: 60, Window: time.Minute}, cfg.RateLimit.Tiers[TierGeneral])
	assert.Equal(t, TierLimit{MaxRequests: 10, Window: time.Minute}, cfg.RateLimit.Tiers[TierMessage])
	assert.Equal(t, TierLimit{MaxRequests: 5, Window: time.Minute}, cfg.RateLimit.Tiers[TierResponse])
	assert.Equal(t, TierLimit{MaxRequests: 2, Window: time.Minute}, cfg.RateLimit.Tiers[TierGigEdit])
	assert.Equal(t, TierLimit{MaxRequests: 10, Window: time.Hour}, cfg.RateLimit.Tiers[TierAuth])
	assert.Equal(t, 7*24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, time.Second, cfg.Pacing.MinDelay)
	assert.Equal(t, 3*time.Second, cfg.Pacing.MaxDelay)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("KWORKGATE_BASE_URL", "http://127.0.0.1:9999")
	t.Setenv("KWORKGATE_MIN_DELAY", "2s")
	t.Setenv("KWORKGATE_MAX_DELAY", "5s")
	t.Setenv("KWORKGATE_SESSION_BACKEND", "redis")
	t.Setenv("KWORKGATE_REDIS_ADDR", "redis:6380")
	t.Setenv("KWORKGATE_LOG_LEVEL", "debug")
	t.Setenv("KWORKGATE_MAX_RETRIES", "0")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "http://127.0.0.1:9999", cfg.Kwork.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.Pacing.MinDelay)
	assert.Equal(t, 5*time.Second, cfg.Pacing.MaxDelay)
	assert.Equal(t, "redis", cfg.Session.Backend)
	assert.Equal(t, "redis:6380", cfg.Session.Redis.Addr)
	assert.Equal(t, "redis:6380", cfg.Stats.Redis.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 0, cfg.Transport.MaxRetries)
}

func TestLoadFromEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("KWORKGATE_SESSION_TTL", "a week")

	cfg := DefaultConfig()
	err := cfg.LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KWORKGATE_SESSION_TTL")
}

func TestLoadFromFileMergesTiers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
rate_limit:
  tiers:
    message:
      max_requests: 3
      window: 30s
    search:
      max_requests: 20
      window: 1m
pacing:
  min_delay: 500ms
  max_delay: 1500ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, TierLimit{MaxRequests: 3, Window: 30 * time.Second}, cfg.RateLimit.Tiers[TierMessage])
	assert.Equal(t, TierLimit{MaxRequests: 20, Window: time.Minute}, cfg.RateLimit.Tiers["search"])
	assert.Equal(t, TierLimit{MaxRequests: 60, Window: time.Minute}, cfg.RateLimit.Tiers[TierGeneral], "untouched tiers keep defaults")
	assert.Equal(t, 500*time.Millisecond, cfg.Pacing.MinDelay)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFileInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limit: [unclosed"), 0600))

	cfg := DefaultConfig()
	require.Error(t, cfg.LoadFromFile(path))
	assert.Len(t, cfg.RateLimit.Tiers, 5, "defaults survive a failed parse")
}

func TestValidateTiers(t *testing.T) {
	tests := []struct {
		name    string
		tiers   map[string]TierLimit
		wantErr string
	}{
		{
			name:  "defaults",
			tiers: DefaultTiers(),
		},
		{
			name:    "missing general",
			tiers:   map[string]TierLimit{TierAuth: {MaxRequests: 1, Window: time.Hour}},
			wantErr: `tier "general" is required`,
		},
		{
			name: "zero max requests",
			tiers: map[string]TierLimit{
				TierGeneral: {MaxRequests: 0, Window: time.Minute},
				TierAuth:    {MaxRequests: 1, Window: time.Hour},
			},
			wantErr: "max_requests must be positive",
		},
		{
			name: "negative window",
			tiers: map[string]TierLimit{
				TierGeneral: {MaxRequests: 5, Window: -time.Second},
				TierAuth:    {MaxRequests: 1, Window: time.Hour},
			},
			wantErr: "window must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTiers(tt.tiers)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"pacing inverted", func(c *Config) { c.Pacing.MaxDelay = c.Pacing.MinDelay - time.Millisecond }},
		{"unknown backend", func(c *Config) { c.Session.Backend = "sqlite" }},
		{"command gateway without command", func(c *Config) { c.Auth.Gateway = "command" }},
		{"unknown gateway", func(c *Config) { c.Auth.Gateway = "selenium" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"zero ttl", func(c *Config) { c.Session.TTL = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Kwork.BaseURL = "http://localhost:8080"
	require.NoError(t, cfg.Save(path))

	loaded := DefaultConfig()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, "http://localhost:8080", loaded.Kwork.BaseURL)
	assert.Equal(t, cfg.RateLimit.Tiers, loaded.RateLimit.Tiers)
}

func TestMergeCommandLineFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MergeCommandLineFlags(map[string]interface{}{
		"base-url":        "http://flag",
		"session-backend": "memory",
		"log-level":       "warn",
		"min-delay":       2 * time.Second,
		"max-delay":       4 * time.Second,
	})

	assert.Equal(t, "http://flag", cfg.Kwork.BaseURL)
	assert.Equal(t, "memory", cfg.Session.Backend)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 2*time.Second, cfg.Pacing.MinDelay)
	assert.Equal(t, 4*time.Second, cfg.Pacing.MaxDelay)
}
