// ABOUTME: Configuration loading and parsing for parley-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Responder ResponderConfig `yaml:"responder"`
	Session   SessionConfig   `yaml:"session"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ResponderConfig holds the external responder webhook configuration
type ResponderConfig struct {
	URL          string `yaml:"url"`
	AckText      string `yaml:"ack_text"`
	HistoryLimit int    `yaml:"history_limit"`
}

// SessionConfig holds session lifecycle configuration
type SessionConfig struct {
	FreshnessWindow time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	FreshnessWindowRaw string `yaml:"freshness_window"`
}

// DedupeConfig holds send-request deduplication configuration
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-"`
	MaxEntries int           `yaml:"max_entries"`

	// Raw string value for YAML unmarshaling
	TTLRaw string `yaml:"ttl"`
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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment
// variable values. Unset variables are replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
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
	if c.Responder.URL == "" {
		return fmt.Errorf("responder.url is required")
	}
	if c.Responder.HistoryLimit < 0 {
		return fmt.Errorf("responder.history_limit must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Session.FreshnessWindowRaw != "" {
		cfg.Session.FreshnessWindow, err = time.ParseDuration(cfg.Session.FreshnessWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing freshness_window %q: %w", cfg.Session.FreshnessWindowRaw, err)
		}
	}

	if cfg.Dedupe.TTLRaw != "" {
		cfg.Dedupe.TTL, err = time.ParseDuration(cfg.Dedupe.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe ttl %q: %w", cfg.Dedupe.TTLRaw, err)
		}
	}

	return nil
}
