// Package config handles loading and validating the leasectl configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/sqlease/pkg/settings"
)

// CoordinatorConfig holds the Redis admission coordinator configuration.
type CoordinatorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InstanceID   string        `yaml:"instance_id"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`

	// MaxLeases is the lease cap shared by every process using the same
	// pool name. Defaults to database.max_managers.
	MaxLeases int `yaml:"max_leases"`
	// AdmitTimeout makes admission wait for a released slot instead of
	// failing at once; 0 disables waiting.
	AdmitTimeout time.Duration `yaml:"admit_timeout"`
	// MaxWaiters caps the admissions of one pool waiting in this process;
	// further ones are rejected at once. 0 is unlimited.
	MaxWaiters int `yaml:"max_waiters"`

	Fallback FallbackConfig `yaml:"fallback"`
}

// FallbackConfig holds configuration for fallback mode when Redis is unavailable.
type FallbackConfig struct {
	Enabled           bool `yaml:"enabled"`
	LocalLimitDivisor int  `yaml:"local_limit_divisor"`
}

// TelemetryConfig holds the metrics and health endpoints configuration.
type TelemetryConfig struct {
	MetricsPort         int           `yaml:"metrics_port"`
	HealthCheckPort     int           `yaml:"health_check_port"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// LoggingConfig selects the logger built by internal/logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // console or json
	File       string `yaml:"file"`   // rotated with lumberjack when set
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Config is the root configuration structure.
type Config struct {
	Database    settings.Settings `yaml:"database"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes, validates and completes a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if c.Database.Protocol == "" {
		return fmt.Errorf("database.protocol is required")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.Coordinator.AdmitTimeout < 0 {
		return fmt.Errorf("coordinator.admit_timeout must not be negative")
	}
	if c.Coordinator.MaxWaiters < 0 {
		return fmt.Errorf("coordinator.max_waiters must not be negative")
	}
	if c.Coordinator.MaxLeases < 0 {
		return fmt.Errorf("coordinator.max_leases must not be negative")
	}
	if c.Coordinator.Enabled && c.Coordinator.MaxLeases == 0 && c.Database.MaxManagers == 0 {
		return fmt.Errorf("coordinator.max_leases or database.max_managers is required when the coordinator is enabled")
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	c.Database = c.Database.WithDefaults()

	if c.Coordinator.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Coordinator.InstanceID = hostname
	}
	if c.Coordinator.Addr == "" {
		c.Coordinator.Addr = "redis:6379"
	}
	if c.Coordinator.PoolSize == 0 {
		c.Coordinator.PoolSize = 20
	}
	if c.Coordinator.DialTimeout == 0 {
		c.Coordinator.DialTimeout = 5 * time.Second
	}
	if c.Coordinator.ReadTimeout == 0 {
		c.Coordinator.ReadTimeout = 3 * time.Second
	}
	if c.Coordinator.WriteTimeout == 0 {
		c.Coordinator.WriteTimeout = 3 * time.Second
	}
	if c.Coordinator.HeartbeatInterval == 0 {
		c.Coordinator.HeartbeatInterval = 10 * time.Second
	}
	if c.Coordinator.HeartbeatTTL == 0 {
		c.Coordinator.HeartbeatTTL = 30 * time.Second
	}
	if c.Coordinator.MaxLeases == 0 {
		c.Coordinator.MaxLeases = c.Database.MaxManagers
	}
	if c.Coordinator.Fallback.LocalLimitDivisor == 0 {
		c.Coordinator.Fallback.LocalLimitDivisor = 3
	}

	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
	if c.Telemetry.HealthCheckPort == 0 {
		c.Telemetry.HealthCheckPort = 8080
	}
	if c.Telemetry.HealthCheckInterval == 0 {
		c.Telemetry.HealthCheckInterval = 15 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 7
	}
}
