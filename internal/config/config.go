// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gatemeter/gatemeter/internal/store"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Identity  IdentityConfig  `yaml:"identity"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Usage     UsageConfig     `yaml:"usage"`
	Gate      GateConfig      `yaml:"gate"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Type  string            `yaml:"type"` // memory, redis
	Redis store.RedisConfig `yaml:"redis"`
}

// RateLimitConfig defines fixed-window limiter parameters.
type RateLimitConfig struct {
	Window                 time.Duration `yaml:"window"`
	Max                    int64         `yaml:"max"`
	SkipSuccessfulRequests bool          `yaml:"skip_successful_requests"`
	SkipFailedRequests     bool          `yaml:"skip_failed_requests"`
	StandardHeaders        bool          `yaml:"standard_headers"`
	LegacyHeaders          bool          `yaml:"legacy_headers"`
	TrustedProxyCIDRs      []string      `yaml:"trusted_proxy_cidrs"`

	// Backstop is the in-process token bucket applied while the store is
	// failing open.
	BackstopRPM   int `yaml:"backstop_rpm"`
	BackstopBurst int `yaml:"backstop_burst"`
}

// IdentityConfig defines identity resolution caching and the external
// identity directory endpoint.
type IdentityConfig struct {
	DirectoryURL         string        `yaml:"directory_url"`
	Freshness            time.Duration `yaml:"freshness"`
	StaleWhileRevalidate bool          `yaml:"stale_while_revalidate"`
}

// LedgerConfig points at the external billing ledger.
type LedgerConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// UsageConfig defines usage metering thresholds.
type UsageConfig struct {
	CostThreshold  float64       `yaml:"cost_threshold"`
	VerifyInterval time.Duration `yaml:"verify_interval"`
	LedgerTimeout  time.Duration `yaml:"ledger_timeout"`
}

// GateConfig defines gate policy.
type GateConfig struct {
	GraceAllowances int64         `yaml:"grace_allowances"`
	GraceWindow     time.Duration `yaml:"grace_window"`
	DefaultCost     float64       `yaml:"default_cost"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Store: StoreConfig{
			Type:  "memory",
			Redis: store.DefaultRedisConfig(),
		},
		RateLimit: RateLimitConfig{
			Window:          time.Minute,
			Max:             60,
			StandardHeaders: true,
			LegacyHeaders:   true,
			BackstopRPM:     60,
			BackstopBurst:   10,
		},
		Identity: IdentityConfig{
			Freshness: time.Hour,
		},
		Usage: UsageConfig{
			CostThreshold:  100,
			VerifyInterval: 5 * time.Minute,
			LedgerTimeout:  5 * time.Second,
		},
		Gate: GateConfig{
			GraceAllowances: 0,
			GraceWindow:     time.Minute,
			DefaultCost:     1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile reads and validates a YAML config file. Environment variables
// in the file are expanded before parsing so secrets stay out of the file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Store.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown store type: %q", c.Store.Type)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.RateLimit.Max <= 0 {
		return fmt.Errorf("rate limit max must be positive")
	}
	if c.Usage.CostThreshold < 0 {
		return fmt.Errorf("usage cost threshold must not be negative")
	}
	if c.Gate.GraceAllowances < 0 {
		return fmt.Errorf("grace allowances must not be negative")
	}
	return nil
}
