// ABOUTME: Configuration loading and parsing for chatwire
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chatwire configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Sessions SessionsConfig `yaml:"sessions"`
	Events   EventsConfig   `yaml:"events"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret
// disables API authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// SessionsConfig holds session supervision and send-path tuning
type SessionsConfig struct {
	ReconnectStart time.Duration `yaml:"-"`
	ReconnectCap   time.Duration `yaml:"-"`
	RateWindow     time.Duration `yaml:"-"`
	StatusTTL      time.Duration `yaml:"-"`
	StatusSweep    time.Duration `yaml:"-"`

	RateMax    int `yaml:"rate_max"`
	NoteMaxLen int `yaml:"note_max_len"`

	// Raw string values for YAML unmarshaling
	ReconnectStartRaw string `yaml:"reconnect_start"`
	ReconnectCapRaw   string `yaml:"reconnect_cap"`
	RateWindowRaw     string `yaml:"rate_window"`
	StatusTTLRaw      string `yaml:"status_ttl"`
	StatusSweepRaw    string `yaml:"status_sweep"`
}

// EventsConfig holds event log and stream configuration
type EventsConfig struct {
	Keepalive time.Duration `yaml:"-"`

	RingCapacity int `yaml:"ring_capacity"`

	KeepaliveRaw string `yaml:"keepalive"`
}

// WebhookConfig holds outbound webhook delivery configuration.
// An empty URL disables the dispatcher.
type WebhookConfig struct {
	Backoff time.Duration `yaml:"-"`

	URL         string   `yaml:"url"`
	Secret      string   `yaml:"secret"`
	MaxAttempts int      `yaml:"max_attempts"`
	EventTypes  []string `yaml:"event_types"`

	BackoffRaw string `yaml:"backoff"`
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

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every optional field zeroed and the
// required fields set to development-friendly values.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8080"},
		Database: DatabaseConfig{Path: "chatwire.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
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

	if c.Sessions.RateMax < 0 {
		return fmt.Errorf("sessions.rate_max must not be negative")
	}

	if c.Events.RingCapacity < 0 {
		return fmt.Errorf("events.ring_capacity must not be negative")
	}

	if c.Webhook.URL == "" && c.Webhook.Secret != "" {
		return fmt.Errorf("webhook.secret is set but webhook.url is empty")
	}

	if c.Webhook.MaxAttempts < 0 {
		return fmt.Errorf("webhook.max_attempts must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sessions.reconnect_start", cfg.Sessions.ReconnectStartRaw, &cfg.Sessions.ReconnectStart},
		{"sessions.reconnect_cap", cfg.Sessions.ReconnectCapRaw, &cfg.Sessions.ReconnectCap},
		{"sessions.rate_window", cfg.Sessions.RateWindowRaw, &cfg.Sessions.RateWindow},
		{"sessions.status_ttl", cfg.Sessions.StatusTTLRaw, &cfg.Sessions.StatusTTL},
		{"sessions.status_sweep", cfg.Sessions.StatusSweepRaw, &cfg.Sessions.StatusSweep},
		{"events.keepalive", cfg.Events.KeepaliveRaw, &cfg.Events.Keepalive},
		{"webhook.backoff", cfg.Webhook.BackoffRaw, &cfg.Webhook.Backoff},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
