package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 120*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, []string{"eng", "rus"}, cfg.OCR.Languages)
	assert.Equal(t, 24*time.Hour, cfg.Tasks.ResultTTL)
	assert.Equal(t, 30*time.Second, cfg.Shutdown.DrainTimeout)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tasks:
  workers: 8
  queue_key: "custom:queue"
broker:
  addr: "redis.internal:6380"
cleanup:
  max_age: 12h
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Tasks.Workers)
	assert.Equal(t, "custom:queue", cfg.Tasks.QueueKey)
	assert.Equal(t, "redis.internal:6380", cfg.Broker.Addr)
	assert.Equal(t, 12*time.Hour, cfg.Cleanup.MaxAge)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Tasks.QueueKey, cfg.Tasks.QueueKey)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache.internal:6379")
	t.Setenv("TASK_WORKERS", "2")
	t.Setenv("OCR_LANGUAGES", "eng+deu+fra")
	t.Setenv("OCR_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "cache.internal:6379", cfg.Broker.Addr)
	assert.Equal(t, 2, cfg.Tasks.Workers)
	assert.Equal(t, []string{"eng", "deu", "fra"}, cfg.OCR.Languages)
	assert.False(t, cfg.OCR.Enabled)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Tasks.Workers = 0 }},
		{"zero failure threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"zero success threshold", func(c *Config) { c.Breaker.SuccessThreshold = 0 }},
		{"zero broker retries", func(c *Config) { c.Broker.MaxRetries = 0 }},
		{"sub-unit multiplier", func(c *Config) { c.Broker.BackoffMultiplier = 0.5 }},
		{"negative max age", func(c *Config) { c.Cleanup.MaxAge = -time.Hour }},
		{"inverted image bounds", func(c *Config) { c.OCR.MinImageWidth = 9000 }},
		{"inverted disk thresholds", func(c *Config) { c.Health.DiskWarnPercent = 95 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
