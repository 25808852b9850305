// Package config loads the YAML configuration file, applies defaults,
// and watches the tool filter section for live reload.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/conductor/internal/tools"
)

// Config is the main configuration structure for Conductor.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Providers ProvidersConfig `yaml:"providers"`
	Tools     ToolsConfig     `yaml:"tools"`
	Limits    LimitsConfig    `yaml:"limits"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`

	MaxOpenConns int `yaml:"max_open_conns"`

	// Retention drops ended sessions older than this; zero disables
	// the sweeper.
	Retention time.Duration `yaml:"retention"`

	// RetentionSchedule is a cron expression; defaults to "@hourly".
	RetentionSchedule string `yaml:"retention_schedule"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type ProvidersConfig struct {
	Default   string                    `yaml:"default"`
	Providers map[string]ProviderConfig `yaml:",inline"`
}

type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type ToolsConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	Timeout        time.Duration `yaml:"timeout"`
	Filter         FilterConfig  `yaml:"filter"`
}

// FilterConfig mirrors tools.FilterConfig with YAML tags.
type FilterConfig struct {
	GlobalBlock []string                 `yaml:"global_block"`
	GlobalAllow []string                 `yaml:"global_allow"`
	Providers   map[string]ProviderRules `yaml:"providers"`
}

type ProviderRules struct {
	Disabled bool     `yaml:"disabled"`
	Block    []string `yaml:"block"`
	Allow    []string `yaml:"allow"`
}

type LimitsConfig struct {
	MaxTurnsPerRun int  `yaml:"max_turns_per_run"`
	InputBuffer    int  `yaml:"input_buffer"`
	RejectWhenFull bool `yaml:"reject_when_full"`

	// SubscriberBuffer bounds each pubsub subscriber channel.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// OverflowPolicy is "block" (default) or "drop".
	OverflowPolicy string `yaml:"overflow_policy"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
}

// Load reads and parses the configuration file. Environment variables in
// the file body are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "conductor.db"
	}
	if cfg.Database.RetentionSchedule == "" {
		cfg.Database.RetentionSchedule = "@hourly"
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "anthropic"
	}
	if cfg.Tools.MaxConcurrency == 0 {
		cfg.Tools.MaxConcurrency = runtime.NumCPU()
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 30 * time.Second
	}
	if cfg.Limits.MaxTurnsPerRun == 0 {
		cfg.Limits.MaxTurnsPerRun = 10
	}
	if cfg.Limits.InputBuffer == 0 {
		cfg.Limits.InputBuffer = 100
	}
	if cfg.Limits.SubscriberBuffer == 0 {
		cfg.Limits.SubscriberBuffer = 1000
	}
	if cfg.Limits.OverflowPolicy == "" {
		cfg.Limits.OverflowPolicy = "block"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn required for postgres")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Limits.OverflowPolicy {
	case "block", "drop":
	default:
		return fmt.Errorf("unknown overflow policy %q", c.Limits.OverflowPolicy)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// FilterConfig converts the YAML filter section to the runtime rule set.
func (c *Config) FilterConfig() tools.FilterConfig {
	out := tools.FilterConfig{
		GlobalBlock: c.Tools.Filter.GlobalBlock,
		GlobalAllow: c.Tools.Filter.GlobalAllow,
	}
	if len(c.Tools.Filter.Providers) > 0 {
		out.Providers = make(map[string]tools.ProviderRules, len(c.Tools.Filter.Providers))
		for name, rules := range c.Tools.Filter.Providers {
			out.Providers[name] = tools.ProviderRules{
				Disabled: rules.Disabled,
				Block:    rules.Block,
				Allow:    rules.Allow,
			}
		}
	}
	return out
}
