package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, int64(60), cfg.RateLimit.Max)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, float64(100), cfg.Usage.CostThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Usage.VerifyInterval)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
store:
  type: redis
  redis:
    addr: localhost:6379
rate_limit:
  window: 30s
  max: 120
usage:
  cost_threshold: 250
gate:
  grace_allowances: 5
  grace_window: 2m
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "localhost:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, int64(120), cfg.RateLimit.Max)
	assert.Equal(t, float64(250), cfg.Usage.CostThreshold)
	assert.Equal(t, int64(5), cfg.Gate.GraceAllowances)
	assert.Equal(t, 2*time.Minute, cfg.Gate.GraceWindow)

	// Unset fields keep their defaults.
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 5*time.Minute, cfg.Usage.VerifyInterval)
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("TEST_LEDGER_KEY", "secret-key")
	path := writeConfig(t, `
ledger:
  base_url: https://ledger.example.com
  api_key: ${TEST_LEDGER_KEY}
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", cfg.Ledger.APIKey)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeConfig(t, "server: [not a map"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"unknown store", func(c *Config) { c.Store.Type = "etcd" }},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }},
		{"zero max", func(c *Config) { c.RateLimit.Max = 0 }},
		{"negative threshold", func(c *Config) { c.Usage.CostThreshold = -1 }},
		{"negative grace", func(c *Config) { c.Gate.GraceAllowances = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
