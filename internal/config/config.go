// Package config provides configuration types and defaults for strand.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/strand/internal/relay"
	"github.com/zjrosen/strand/internal/relay/reliability"
	"github.com/zjrosen/strand/internal/tracing"
)

// Config holds all configuration options for strand.
type Config struct {
	// DataDir roots the relay's on-disk state: mailboxes, index.db,
	// subscriptions.json, bindings.json, session-map.json, adapters.json.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Debug bool `mapstructure:"debug" yaml:"debug"`

	Relay    RelayConfig    `mapstructure:"relay" yaml:"relay"`
	Receiver ReceiverConfig `mapstructure:"receiver" yaml:"receiver"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Tracing  tracing.Config `mapstructure:"tracing" yaml:"tracing"`
}

// RelayConfig holds the delivery pipeline knobs.
type RelayConfig struct {
	MaxHops           int           `mapstructure:"max_hops" yaml:"max_hops"`
	DefaultTTL        time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
	DefaultCallBudget int           `mapstructure:"default_call_budget" yaml:"default_call_budget"`

	RateLimit    reliability.RateLimitConfig    `mapstructure:"rate_limit" yaml:"rate_limit"`
	Breaker      reliability.BreakerConfig      `mapstructure:"breaker" yaml:"breaker"`
	Backpressure reliability.BackpressureConfig `mapstructure:"backpressure" yaml:"backpressure"`
	Access       relay.AccessConfig             `mapstructure:"access" yaml:"access"`
}

// ReceiverConfig holds the agent-runtime bridge options.
type ReceiverConfig struct {
	// DefaultCwd is the session working directory when an envelope
	// carries none.
	DefaultCwd string `mapstructure:"default_cwd" yaml:"default_cwd"`
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// Defaults returns the configuration used when no file overrides it.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir: filepath.Join(home, ".strand"),
		Relay: RelayConfig{
			RateLimit:    reliability.DefaultRateLimit(),
			Breaker:      reliability.DefaultBreaker(),
			Backpressure: reliability.DefaultBackpressure(),
		},
		Metrics: MetricsConfig{Addr: "localhost:9464"},
		Tracing: tracing.DefaultConfig(),
	}
}

// RelayOptions maps the config onto relay.Core options.
func (c Config) RelayOptions() relay.Options {
	return relay.Options{
		DataDir:           c.DataDir,
		MaxHops:           c.Relay.MaxHops,
		DefaultTTL:        c.Relay.DefaultTTL,
		DefaultCallBudget: c.Relay.DefaultCallBudget,
		RateLimit:         c.Relay.RateLimit,
		Breaker:           c.Relay.Breaker,
		Backpressure:      c.Relay.Backpressure,
		Access:            c.Relay.Access,
		Tracing:           c.Tracing,
	}
}

// AdaptersPath is the adapters.json location under the data dir.
func (c Config) AdaptersPath() string {
	return filepath.Join(c.DataDir, "adapters.json")
}

// BindingsPath is the bindings.json location under the data dir.
func (c Config) BindingsPath() string {
	return filepath.Join(c.DataDir, "bindings.json")
}

// SessionMapPath is the session-map.json location under the data dir.
func (c Config) SessionMapPath() string {
	return filepath.Join(c.DataDir, "session-map.json")
}

// WriteDefault writes the default config as YAML at path, creating
// parent directories. Used on first run when no config file exists.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Defaults())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}
