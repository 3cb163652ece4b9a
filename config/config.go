// Package config loads the relay process configuration from a YAML file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/proBhavesh/simplydash/logging"
)

// Config represents the complete relay configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Store    StoreConfig    `yaml:"store"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains the client-facing listener configuration
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Path            string        `yaml:"path"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxPendingFrames bounds client frames queued before upstream-open.
	MaxPendingFrames int `yaml:"max_pending_frames"`
	// ReadLimit is the largest accepted frame in bytes.
	ReadLimit int64 `yaml:"read_limit"`
}

// UpstreamConfig contains the upstream realtime API configuration
type UpstreamConfig struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
	// APIKey is the process-default credential.
	APIKey            string        `yaml:"api_key"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	CredentialTimeout time.Duration `yaml:"credential_timeout"`
}

// StoreConfig selects the assistant credential store
type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisDB     int           `yaml:"redis_db"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// AuthConfig enables bearer verification on the relay endpoint
type AuthConfig struct {
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
	TokenType string `yaml:"token_type"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             ":8081",
			Path:             "/",
			ShutdownTimeout:  10 * time.Second,
			MaxPendingFrames: 256,
			ReadLimit:        1 << 24,
		},
		Upstream: UpstreamConfig{
			URL:               "wss://api.openai.com/v1/realtime",
			Model:             "gpt-4o-realtime-preview-2024-10-01",
			DialTimeout:       30 * time.Second,
			CredentialTimeout: 2 * time.Second,
		},
		Store: StoreConfig{CacheTTL: 5 * time.Minute},
		Auth:  AuthConfig{TokenType: "access"},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "json",
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("RELAY_ADDR", &c.Server.Addr)
	str("OPENAI_API_KEY", &c.Upstream.APIKey)
	str("UPSTREAM_URL", &c.Upstream.URL)
	str("UPSTREAM_MODEL", &c.Upstream.Model)
	str("DATABASE_URL", &c.Store.DatabaseURL)
	str("REDIS_ADDR", &c.Store.RedisAddr)
	str("OIDC_ISSUER", &c.Auth.Issuer)
	str("OIDC_AUDIENCE", &c.Auth.Audience)
	str("OIDC_TOKEN_TYPE", &c.Auth.TokenType)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	if v, ok := lookup("CORS_ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = SplitCSV(v)
	}
	if v, ok := lookup("RELAY_MAX_PENDING_FRAMES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RELAY_MAX_PENDING_FRAMES: %w", err)
		}
		c.Server.MaxPendingFrames = n
	}
	return nil
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream config: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Addr == "" {
		return errors.New("addr cannot be empty")
	}
	if !strings.HasPrefix(s.Path, "/") {
		return fmt.Errorf("path must start with /, got %q", s.Path)
	}
	if s.MaxPendingFrames < 1 {
		return fmt.Errorf("max_pending_frames must be at least 1, got %d", s.MaxPendingFrames)
	}
	if s.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", s.ReadLimit)
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout cannot be negative")
	}
	return nil
}

// Validate validates upstream configuration
func (u *UpstreamConfig) Validate() error {
	parsed, err := url.Parse(u.URL)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
		return fmt.Errorf("url must be a ws:// or wss:// URL, got %q", u.URL)
	}
	if u.APIKey == "" {
		return errors.New("api_key cannot be empty (set OPENAI_API_KEY)")
	}
	if u.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive, got %v", u.DialTimeout)
	}
	if u.CredentialTimeout <= 0 {
		return fmt.Errorf("credential_timeout must be positive, got %v", u.CredentialTimeout)
	}
	return nil
}

// Validate validates store configuration
func (s *StoreConfig) Validate() error {
	if s.RedisAddr != "" && s.DatabaseURL == "" {
		return errors.New("redis_addr requires database_url")
	}
	if s.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl cannot be negative")
	}
	return nil
}

// Validate validates auth configuration
func (a *AuthConfig) Validate() error {
	if a.Issuer == "" {
		return nil
	}
	if a.Audience == "" {
		return errors.New("audience is required when issuer is set")
	}
	if a.TokenType != "id" && a.TokenType != "access" {
		return fmt.Errorf("token_type must be id or access, got %q", a.TokenType)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	switch strings.ToUpper(l.Level) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "OFF", "NONE":
	default:
		return fmt.Errorf("level must be one of DEBUG, INFO, WARN, ERROR, OFF, got %q", l.Level)
	}
	if l.Format != "json" && l.Format != "console" {
		return fmt.Errorf("format must be json or console, got %q", l.Format)
	}
	return nil
}

// Logger builds the process logger for the logging section.
func (l LoggingConfig) Logger() *logging.Logger {
	level := logging.ParseLevel(l.Level)
	if l.Format == "console" {
		return logging.NewConsole(os.Stderr, level)
	}
	return logging.New(os.Stderr, level)
}

// SplitCSV splits a comma-separated list, dropping empty entries.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
