package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault_RequiresAPIKey(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected api_key error, got %v", err)
	}
	cfg.Upstream.APIKey = "sk-test"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with a key should validate: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"RELAY_ADDR":               ":9000",
		"OPENAI_API_KEY":           "sk-env",
		"CORS_ALLOWED_ORIGINS":     "https://a.test, ,https://b.test",
		"OIDC_ISSUER":              "https://issuer.test",
		"OIDC_AUDIENCE":            "relay",
		"RELAY_MAX_PENDING_FRAMES": "16",
	}))
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.Server.Addr != ":9000" || cfg.Upstream.APIKey != "sk-env" {
		t.Errorf("env overrides not applied: %+v", cfg.Server)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://b.test" {
		t.Errorf("unexpected origins %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.MaxPendingFrames != 16 {
		t.Errorf("expected 16 pending frames, got %d", cfg.Server.MaxPendingFrames)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	if err := Default().applyEnv(env(map[string]string{"RELAY_MAX_PENDING_FRAMES": "many"})); err == nil {
		t.Error("expected error for non-numeric pending frames")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad upstream scheme", func(c *Config) { c.Upstream.URL = "https://api.test" }, "ws://"},
		{"zero pending", func(c *Config) { c.Server.MaxPendingFrames = 0 }, "max_pending_frames"},
		{"relative path", func(c *Config) { c.Server.Path = "relay" }, "path"},
		{"redis without db", func(c *Config) { c.Store.RedisAddr = "localhost:6379" }, "database_url"},
		{"issuer without audience", func(c *Config) { c.Auth.Issuer = "https://issuer.test" }, "audience"},
		{"bad token type", func(c *Config) { c.Auth.Issuer, c.Auth.Audience, c.Auth.TokenType = "i", "a", "opaque" }, "token_type"},
		{"bad level", func(c *Config) { c.Logging.Level = "LOUD" }, "level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Upstream.APIKey = "sk-test"
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	data := `
server:
  addr: ":7000"
  path: /relay
upstream:
  api_key: sk-file
  dial_timeout: 10s
store:
  cache_ttl: 1m
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7000" || cfg.Server.Path != "/relay" {
		t.Errorf("file values not applied: %+v", cfg.Server)
	}
	if cfg.Upstream.DialTimeout != 10*time.Second || cfg.Store.CacheTTL != time.Minute {
		t.Errorf("durations not parsed: %v %v", cfg.Upstream.DialTimeout, cfg.Store.CacheTTL)
	}
	if cfg.Server.MaxPendingFrames != 256 {
		t.Errorf("unset fields should keep defaults, got %d", cfg.Server.MaxPendingFrames)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSplitCSV(t *testing.T) {
	got := SplitCSV(" a, b ,,c ")
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("unexpected split %v", got)
	}
}
