// ABOUTME: Configuration loading and parsing for parley-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete parley-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Directory DirectoryConfig `yaml:"directory" toml:"directory"`
	Presence  PresenceConfig  `yaml:"presence" toml:"presence"`
	Messages  MessagesConfig  `yaml:"messages" toml:"messages"`
	Dispatch  DispatchConfig  `yaml:"dispatch" toml:"dispatch"`
	Workflow  WorkflowConfig  `yaml:"workflow" toml:"workflow"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // health service; empty disables it
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// DirectoryConfig selects where users come from.
type DirectoryConfig struct {
	Provider  string         `yaml:"provider" toml:"provider"` // "static" or "keycloak"
	Keycloak  KeycloakConfig `yaml:"keycloak" toml:"keycloak"`
	SeedUsers []SeedUser     `yaml:"seed_users" toml:"seed_users"`

	SyncInterval    time.Duration `yaml:"-" toml:"-"`
	SyncIntervalRaw string        `yaml:"sync_interval" toml:"sync_interval"`
}

// KeycloakConfig holds identity provider admin API credentials
type KeycloakConfig struct {
	BaseURL           string  `yaml:"base_url" toml:"base_url"`
	Realm             string  `yaml:"realm" toml:"realm"`
	ClientID          string  `yaml:"client_id" toml:"client_id"`
	ClientSecret      string  `yaml:"client_secret" toml:"client_secret"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
}

// SeedUser is a user created at startup and never removed by sync.
type SeedUser struct {
	ID        string `yaml:"id" toml:"id"`
	FirstName string `yaml:"first_name" toml:"first_name"`
	LastName  string `yaml:"last_name" toml:"last_name"`
	Email     string `yaml:"email" toml:"email"`
	Group     string `yaml:"group" toml:"group"`
}

// PresenceConfig holds presence tracking configuration
type PresenceConfig struct {
	Mode string `yaml:"mode" toml:"mode"` // "edge" or "every"
}

// MessagesConfig holds message validation and send dedupe configuration
type MessagesConfig struct {
	MaxContentLength int `yaml:"max_content_length" toml:"max_content_length"`
	DedupeMaxEntries int `yaml:"dedupe_max_entries" toml:"dedupe_max_entries"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// DispatchConfig sizes the background send worker pool
type DispatchConfig struct {
	Workers     int `yaml:"workers" toml:"workers"`
	QueueSize   int `yaml:"queue_size" toml:"queue_size"`
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts"`

	TaskTimeout  time.Duration `yaml:"-" toml:"-"`
	RetryBackoff time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TaskTimeoutRaw  string `yaml:"task_timeout" toml:"task_timeout"`
	RetryBackoffRaw string `yaml:"retry_backoff" toml:"retry_backoff"`
}

// WorkflowConfig names the system sender used by the workflow trigger
type WorkflowConfig struct {
	SenderID   string `yaml:"sender_id" toml:"sender_id"`
	SenderName string `yaml:"sender_name" toml:"sender_name"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
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

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Directory.Provider == "" {
		c.Directory.Provider = "static"
	}
	if c.Directory.SyncInterval == 0 {
		c.Directory.SyncInterval = 5 * time.Minute
	}
	if c.Presence.Mode == "" {
		c.Presence.Mode = "edge"
	}
	if c.Messages.MaxContentLength == 0 {
		c.Messages.MaxContentLength = 1000
	}
	if c.Messages.DedupeTTL == 0 {
		c.Messages.DedupeTTL = 10 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
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
	switch c.Database.Driver {
	case "", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be \"sqlite\" or \"sqlite3\", got %q", c.Database.Driver)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.Directory.Provider {
	case "", "static":
	case "keycloak":
		kc := c.Directory.Keycloak
		switch {
		case kc.BaseURL == "":
			return fmt.Errorf("directory.keycloak.base_url is required when provider is keycloak")
		case kc.Realm == "":
			return fmt.Errorf("directory.keycloak.realm is required when provider is keycloak")
		case kc.ClientID == "":
			return fmt.Errorf("directory.keycloak.client_id is required when provider is keycloak")
		case kc.ClientSecret == "":
			return fmt.Errorf("directory.keycloak.client_secret is required when provider is keycloak")
		}
	default:
		return fmt.Errorf("directory.provider must be \"static\" or \"keycloak\", got %q", c.Directory.Provider)
	}

	seen := make(map[string]bool, len(c.Directory.SeedUsers))
	for i, u := range c.Directory.SeedUsers {
		if strings.TrimSpace(u.ID) == "" {
			return fmt.Errorf("directory.seed_users[%d].id is required", i)
		}
		if seen[u.ID] {
			return fmt.Errorf("directory.seed_users[%d].id %q is duplicated", i, u.ID)
		}
		seen[u.ID] = true
	}

	switch c.Presence.Mode {
	case "", "edge", "every":
	default:
		return fmt.Errorf("presence.mode must be \"edge\" or \"every\", got %q", c.Presence.Mode)
	}

	if c.Messages.MaxContentLength < 0 {
		return fmt.Errorf("messages.max_content_length must not be negative")
	}
	if c.Dispatch.Workers < 0 || c.Dispatch.QueueSize < 0 || c.Dispatch.MaxAttempts < 0 {
		return fmt.Errorf("dispatch sizes must not be negative")
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
		{"directory.sync_interval", cfg.Directory.SyncIntervalRaw, &cfg.Directory.SyncInterval},
		{"messages.dedupe_ttl", cfg.Messages.DedupeTTLRaw, &cfg.Messages.DedupeTTL},
		{"dispatch.task_timeout", cfg.Dispatch.TaskTimeoutRaw, &cfg.Dispatch.TaskTimeout},
		{"dispatch.retry_backoff", cfg.Dispatch.RetryBackoffRaw, &cfg.Dispatch.RetryBackoff},
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
