// ABOUTME: Configuration loading and parsing for agency-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied to unset fields.
const (
	DefaultHTTPAddr           = "0.0.0.0:8080"
	DefaultUpstreamTimeout    = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultStreamTimeout      = 30 * time.Second
	DefaultContextTokenBudget = 8000
	DefaultSSEIdleTimeout     = 30 * time.Second
	DefaultSinkBuffer         = 64
	DefaultPingInterval       = 30 * time.Second

	// minJWTSecretLen is the shortest HS256 secret accepted.
	minJWTSecretLen = 32
)

// Config represents the complete agency-chat configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Upstream  UpstreamConfig  `yaml:"upstream" toml:"upstream"`
	Chat      ChatConfig      `yaml:"chat" toml:"chat"`
	Broadcast BroadcastConfig `yaml:"broadcast" toml:"broadcast"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret runs the
// server without authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// UpstreamConfig describes the OpenAI-compatible completion endpoint
type UpstreamConfig struct {
	BaseURL     string   `yaml:"base_url" toml:"base_url"`
	APIKey      string   `yaml:"api_key" toml:"api_key"`
	Model       string   `yaml:"model" toml:"model"`
	Temperature *float64 `yaml:"temperature" toml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens" toml:"max_tokens"`
	// MaxRetries is the number of extra connection attempts. nil selects the default.
	MaxRetries *int `yaml:"max_retries" toml:"max_retries"`
	// RequestsPerSecond paces upstream connection attempts. Zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// Retries returns the configured retry count or the default.
func (u UpstreamConfig) Retries() int {
	if u.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *u.MaxRetries
}

// ChatConfig holds chat iteration settings
type ChatConfig struct {
	ContextTokenBudget int    `yaml:"context_token_budget" toml:"context_token_budget"`
	ContextMaxMessages int    `yaml:"context_max_messages" toml:"context_max_messages"`
	SystemPrompt       string `yaml:"system_prompt" toml:"system_prompt"`

	StreamTimeout    time.Duration `yaml:"-" toml:"-"`
	StreamTimeoutRaw string        `yaml:"stream_timeout" toml:"stream_timeout"`
}

// BroadcastConfig holds listener fan-out settings
type BroadcastConfig struct {
	SinkBuffer int `yaml:"sink_buffer" toml:"sink_buffer"`

	SSEIdleTimeout     time.Duration `yaml:"-" toml:"-"`
	SocketPingInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	SSEIdleTimeoutRaw     string `yaml:"sse_idle_timeout" toml:"sse_idle_timeout"`
	SocketPingIntervalRaw string `yaml:"socket_ping_interval" toml:"socket_ping_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = DefaultUpstreamTimeout
	}
	if c.Upstream.RequestsPerSecond > 0 && c.Upstream.Burst == 0 {
		c.Upstream.Burst = 1
	}
	if c.Chat.StreamTimeout == 0 {
		c.Chat.StreamTimeout = DefaultStreamTimeout
	}
	if c.Chat.ContextTokenBudget == 0 {
		c.Chat.ContextTokenBudget = DefaultContextTokenBudget
	}
	if c.Broadcast.SSEIdleTimeout == 0 {
		c.Broadcast.SSEIdleTimeout = DefaultSSEIdleTimeout
	}
	if c.Broadcast.SocketPingInterval == 0 {
		c.Broadcast.SocketPingInterval = DefaultPingInterval
	}
	if c.Broadcast.SinkBuffer == 0 {
		c.Broadcast.SinkBuffer = DefaultSinkBuffer
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
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream.base_url must be an http(s) URL, got %q", c.Upstream.BaseURL)
	}
	if c.Upstream.Model == "" {
		return fmt.Errorf("upstream.model is required")
	}
	if c.Upstream.Retries() < 0 {
		return fmt.Errorf("upstream.max_retries must not be negative")
	}
	if c.Upstream.RequestsPerSecond < 0 {
		return fmt.Errorf("upstream.requests_per_second must not be negative")
	}
	if t := c.Upstream.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("upstream.temperature must be between 0 and 2, got %v", *t)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLen)
	}

	if c.Chat.ContextTokenBudget < 0 || c.Chat.ContextMaxMessages < 0 {
		return fmt.Errorf("chat context limits must not be negative")
	}
	if c.Broadcast.SinkBuffer < 0 {
		return fmt.Errorf("broadcast.sink_buffer must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json; got %q", c.Logging.Format)
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
		{"upstream.timeout", cfg.Upstream.TimeoutRaw, &cfg.Upstream.Timeout},
		{"chat.stream_timeout", cfg.Chat.StreamTimeoutRaw, &cfg.Chat.StreamTimeout},
		{"broadcast.sse_idle_timeout", cfg.Broadcast.SSEIdleTimeoutRaw, &cfg.Broadcast.SSEIdleTimeout},
		{"broadcast.socket_ping_interval", cfg.Broadcast.SocketPingIntervalRaw, &cfg.Broadcast.SocketPingInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
