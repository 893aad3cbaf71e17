// ABOUTME: Configuration loading and parsing for handoff-gateway
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

// Config represents the complete handoff-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Presence PresenceConfig `yaml:"presence" toml:"presence"`
	Handoff  HandoffConfig  `yaml:"handoff" toml:"handoff"`
	Broker   BrokerConfig   `yaml:"broker" toml:"broker"`
	ChatAPI  ChatAPIConfig  `yaml:"chat_api" toml:"chat_api"`
	Limits   LimitsConfig   `yaml:"limits" toml:"limits"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing" toml:"tracing"`
}

// ServerConfig holds the listener configuration
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr" toml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"` // WebSocket origin patterns
	Environment    string   `yaml:"environment" toml:"environment"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRemote   = "remote" // conversations live behind chat_api
)

// DatabaseConfig selects the conversation store
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"` // sqlite
	DSN    string `yaml:"dsn" toml:"dsn"`   // postgres
}

// AuthConfig holds authentication configuration.
// An empty JWTSecret disables authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`

	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// PresenceConfig controls presence expiry
type PresenceConfig struct {
	// OfflineGrace expires an agent this long after its socket drops.
	// Zero keeps the agent online until it says otherwise.
	OfflineGrace    time.Duration `yaml:"-" toml:"-"`
	OfflineGraceRaw string        `yaml:"offline_grace_period" toml:"offline_grace_period"`
}

// HandoffConfig holds coordinator defaults
type HandoffConfig struct {
	DefaultPriority      string `yaml:"default_priority" toml:"default_priority"`
	DefaultEstimatedWait string `yaml:"default_estimated_wait" toml:"default_estimated_wait"`
	DedupeSize           int    `yaml:"dedupe_size" toml:"dedupe_size"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// BrokerConfig configures mirroring of events to RabbitMQ
type BrokerConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	URL      string `yaml:"url" toml:"url"`
	Exchange string `yaml:"exchange" toml:"exchange"`
}

// ChatAPIConfig points at the external chat API
type ChatAPIConfig struct {
	BaseURL     string `yaml:"base_url" toml:"base_url"`
	Token       string `yaml:"token" toml:"token"`
	MaxFailures uint32 `yaml:"max_failures" toml:"max_failures"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// LimitsConfig bounds per-session resource use
type LimitsConfig struct {
	EventsPerSecond float64 `yaml:"events_per_second" toml:"events_per_second"`
	Burst           int     `yaml:"burst" toml:"burst"`
	SendQueue       int     `yaml:"send_queue" toml:"send_queue"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Exporter string `yaml:"exporter" toml:"exporter"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:           "0.0.0.0:3000",
			Environment:        "development",
			ShutdownTimeoutRaw: "10s",
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			Path:   "./handoff.db",
		},
		Auth: AuthConfig{
			TokenTTLRaw: "24h",
		},
		Handoff: HandoffConfig{
			DefaultPriority:      "medium",
			DefaultEstimatedWait: "5 minutes",
			DedupeSize:           10000,
			DedupeTTLRaw:         "5m",
		},
		Broker: BrokerConfig{
			Exchange: "handoff.events",
		},
		ChatAPI: ChatAPIConfig{
			TimeoutRaw: "10s",
		},
		Limits: LimitsConfig{
			EventsPerSecond: 20,
			Burst:           40,
			SendQueue:       64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Exporter: "stdout",
		},
	}
}

// DefaultPath returns HANDOFF_CONFIG if set, else gateway.yaml under the
// XDG config directory.
func DefaultPath() string {
	if p := os.Getenv("HANDOFF_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "handoff", "gateway.yaml")
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

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize parses durations and validates. Load calls it; callers building a
// Config in code call it themselves.
func (c *Config) Finalize() error {
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
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

var (
	validPriorities = []string{"low", "medium", "high", "urgent"}
	validLevels     = []string{"debug", "info", "warn", "error"}
	validFormats    = []string{"text", "json"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case DriverRemote:
		if c.ChatAPI.BaseURL == "" {
			return fmt.Errorf("chat_api.base_url is required for the remote driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, postgres, memory, remote", c.Database.Driver)
	}

	if !oneOf(c.Handoff.DefaultPriority, validPriorities) {
		return fmt.Errorf("handoff.default_priority %q is not one of %s", c.Handoff.DefaultPriority, strings.Join(validPriorities, ", "))
	}

	if c.Broker.Enabled && c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required when the broker is enabled")
	}

	if c.Limits.EventsPerSecond <= 0 || c.Limits.Burst <= 0 {
		return fmt.Errorf("limits.events_per_second and limits.burst must be positive")
	}
	if c.Limits.SendQueue <= 0 {
		return fmt.Errorf("limits.send_queue must be positive")
	}

	if !oneOf(c.Logging.Level, validLevels) {
		return fmt.Errorf("logging.level %q is not one of %s", c.Logging.Level, strings.Join(validLevels, ", "))
	}
	if !oneOf(c.Logging.Format, validFormats) {
		return fmt.Errorf("logging.format %q is not one of %s", c.Logging.Format, strings.Join(validFormats, ", "))
	}

	if c.Presence.OfflineGrace < 0 {
		return fmt.Errorf("presence.offline_grace_period must not be negative")
	}

	return nil
}

// AuthEnabled reports whether tokens are required.
func (c *Config) AuthEnabled() bool {
	return c.Auth.JWTSecret != ""
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"presence.offline_grace_period", cfg.Presence.OfflineGraceRaw, &cfg.Presence.OfflineGrace},
		{"handoff.dedupe_ttl", cfg.Handoff.DedupeTTLRaw, &cfg.Handoff.DedupeTTL},
		{"chat_api.timeout", cfg.ChatAPI.TimeoutRaw, &cfg.ChatAPI.Timeout},
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
