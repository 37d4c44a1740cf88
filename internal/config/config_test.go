package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"offer-redemption-engine/internal/ratelimit"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Defaults should validate: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Expected sqlite driver, got %s", cfg.Database.Driver)
	}
	if cfg.Commit.Attempts != 3 || cfg.Commit.Timeout != 5*time.Second {
		t.Errorf("Unexpected commit policy: %+v", cfg.Commit)
	}
	rule, ok := cfg.RateLimit.Rules[ratelimit.ActionStudentLookup]
	if !ok || rule.MaxRequests != 30 || rule.Window != time.Minute {
		t.Errorf("Unexpected student_lookup rule: %+v", rule)
	}
	if !cfg.Features["change_feed"] {
		t.Error("Expected change_feed enabled by default")
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: "9000"
database:
  driver: postgres
  url: postgres://file/db
sessions:
  idle_ttl: 5m
kafka:
  brokers: ["k1:9092", "k2:9092"]
features:
  identity_cache: false
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("RATE_LIMIT_RULES_API_CALL_MAX_REQUESTS", "5")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Errorf("Expected env port 9100, got %s", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.URL != "postgres://file/db" {
		t.Errorf("Unexpected database config: %+v", cfg.Database)
	}
	if cfg.Sessions.IdleTTL != 5*time.Minute {
		t.Errorf("Expected idle ttl 5m, got %s", cfg.Sessions.IdleTTL)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("Expected 2 brokers, got %v", cfg.Kafka.Brokers)
	}
	if cfg.Features["identity_cache"] {
		t.Error("Expected identity_cache disabled by file")
	}
	if got := cfg.RateLimit.Rules[ratelimit.ActionAPICall].MaxRequests; got != 5 {
		t.Errorf("Expected api_call max_requests 5 from env, got %d", got)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"postgres without url", func(c *Config) { c.Database.Driver = "postgres" }},
		{"zero rule window", func(c *Config) {
			c.RateLimit.Rules[ratelimit.ActionAPICall] = ratelimit.Rule{MaxRequests: 1}
		}},
		{"no commit attempts", func(c *Config) { c.Commit.Attempts = 0 }},
		{"bad sample ratio", func(c *Config) { c.Tracing.SampleRatio = 2 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := &Config{Server: ServerConfig{AllowedOrigins: " https://a.io, ,https://b.io"}}
	got := cfg.AllowedOrigins()
	if len(got) != 2 || got[0] != "https://a.io" || got[1] != "https://b.io" {
		t.Errorf("Unexpected origins: %v", got)
	}
}
