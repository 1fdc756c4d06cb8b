package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Gravity database settings
	Gravity GravityConfig `yaml:"gravity"`

	// Policy override rules evaluated before any list lookup
	Policy PolicyConfig `yaml:"policy"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// GravityConfig holds settings for the list database engine
type GravityConfig struct {
	// DatabasePath is the location of the gravity database file.
	// The file is opened read-only; it is produced by the list-building
	// pipeline which is external to this daemon.
	DatabasePath string `yaml:"database_path"`

	// BusyTimeout is the initial SQLite busy timeout applied while the
	// connection is being set up. After setup it is forced to zero so a
	// concurrent list rebuild never stalls the query path.
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// InitialClients sizes the per-client statement vectors at open time.
	// The vectors grow on demand when higher client slots appear.
	InitialClients int `yaml:"initial_clients"`

	// GroupCacheSize bounds the LRU cache of resolved client group sets.
	GroupCacheSize int `yaml:"group_cache_size"`

	// Prefilter enables the in-memory bloom prefilter over the gravity
	// table. A definite bloom miss skips the database lookup entirely.
	Prefilter          bool    `yaml:"prefilter"`
	PrefilterErrorRate float64 `yaml:"prefilter_error_rate"`

	// WatchDatabase reopens the store when the database file is replaced
	// (a list rebuild writes a fresh file and renames it into place).
	WatchDatabase bool `yaml:"watch_database"`

	// Debug enables verbose logging of database operations.
	Debug bool `yaml:"debug"`
}

// PolicyConfig holds optional override rules.
type PolicyConfig struct {
	Rules []PolicyRule `yaml:"rules"`
}

// PolicyRule is a single expr rule. Logic must evaluate to a boolean;
// Action is "allow" or "block".
type PolicyRule struct {
	Name   string `yaml:"name"`
	Logic  string `yaml:"logic"`
	Action string `yaml:"action"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	TracingEnabled    bool   `yaml:"tracing_enabled"`
	TracingEndpoint   string `yaml:"tracing_endpoint"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	if c.Gravity.DatabasePath == "" {
		c.Gravity.DatabasePath = "/etc/gravity-well/gravity.db"
	}
	if c.Gravity.BusyTimeout == 0 {
		c.Gravity.BusyTimeout = time.Second
	}
	if c.Gravity.InitialClients == 0 {
		c.Gravity.InitialClients = 16
	}
	if c.Gravity.GroupCacheSize == 0 {
		c.Gravity.GroupCacheSize = 256
	}
	if c.Gravity.PrefilterErrorRate == 0 {
		c.Gravity.PrefilterErrorRate = 0.001
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "gravity-well"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Gravity.BusyTimeout < 0 {
		return fmt.Errorf("gravity.busy_timeout must not be negative")
	}
	if c.Gravity.InitialClients < 0 {
		return fmt.Errorf("gravity.initial_clients must not be negative")
	}
	if c.Gravity.PrefilterErrorRate <= 0 || c.Gravity.PrefilterErrorRate >= 1 {
		return fmt.Errorf("gravity.prefilter_error_rate must be in (0, 1)")
	}

	for i, rule := range c.Policy.Rules {
		if rule.Logic == "" {
			return fmt.Errorf("policy.rules[%d]: logic must not be empty", i)
		}
		if rule.Action != "allow" && rule.Action != "block" {
			return fmt.Errorf("policy.rules[%d]: action must be allow or block, got %q", i, rule.Action)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	return nil
}
