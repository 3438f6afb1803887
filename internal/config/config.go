// ABOUTME: Configuration loading and parsing for warren-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete warren-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Isolation   IsolationConfig   `yaml:"isolation"`
	Connections ConnectionsConfig `yaml:"connections"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the audit ledger database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// IsolationConfig holds execution-context registry configuration
type IsolationConfig struct {
	// MaxContextsPerUser bounds concurrently active contexts per user.
	MaxContextsPerUser int `yaml:"max_contexts_per_user"`

	// DefaultLevel is the isolation level used when the caller does not
	// specify one: process, thread, session, or user.
	DefaultLevel string `yaml:"default_level"`

	// AuditInterval is how often the violation audit pass runs.
	AuditInterval    time.Duration `yaml:"-"`
	AuditIntervalRaw string        `yaml:"audit_interval"`
}

// ConnectionsConfig holds connection lifecycle configuration
type ConnectionsConfig struct {
	MaxPerUser    int `yaml:"max_per_user"`
	MemoryLimitMB int `yaml:"memory_limit_mb"`

	HeartbeatTimeout    time.Duration `yaml:"-"`
	HeartbeatTimeoutRaw string        `yaml:"heartbeat_timeout"`
}

// RateLimitConfig holds counter-store configuration
type RateLimitConfig struct {
	// Store selects the counter backend: "memory" or "sqlite".
	Store string `yaml:"store"`

	// Path is the counter database path when the sqlite backend is used.
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for optional fields.
func (c *Config) applyDefaults() {
	if c.Isolation.MaxContextsPerUser <= 0 {
		c.Isolation.MaxContextsPerUser = 5
	}
	if c.Isolation.DefaultLevel == "" {
		c.Isolation.DefaultLevel = "session"
	}
	if c.Isolation.AuditInterval <= 0 {
		c.Isolation.AuditInterval = time.Minute
	}
	if c.Connections.MaxPerUser <= 0 {
		c.Connections.MaxPerUser = 3
	}
	if c.Connections.MemoryLimitMB <= 0 {
		c.Connections.MemoryLimitMB = 50
	}
	if c.Connections.HeartbeatTimeout <= 0 {
		c.Connections.HeartbeatTimeout = 30 * time.Second
	}
	if c.RateLimit.Store == "" {
		c.RateLimit.Store = "memory"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Isolation.DefaultLevel {
	case "process", "thread", "session", "user":
	default:
		return fmt.Errorf("isolation.default_level %q is not one of process, thread, session, user", c.Isolation.DefaultLevel)
	}

	switch c.RateLimit.Store {
	case "memory":
	case "sqlite":
		if c.RateLimit.Path == "" {
			return fmt.Errorf("ratelimit.path is required when ratelimit.store is sqlite")
		}
	default:
		return fmt.Errorf("ratelimit.store %q is not one of memory, sqlite", c.RateLimit.Store)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Connections.HeartbeatTimeoutRaw != "" {
		cfg.Connections.HeartbeatTimeout, err = time.ParseDuration(cfg.Connections.HeartbeatTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_timeout %q: %w", cfg.Connections.HeartbeatTimeoutRaw, err)
		}
	}

	if cfg.Isolation.AuditIntervalRaw != "" {
		cfg.Isolation.AuditInterval, err = time.ParseDuration(cfg.Isolation.AuditIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing audit_interval %q: %w", cfg.Isolation.AuditIntervalRaw, err)
		}
	}

	return nil
}
