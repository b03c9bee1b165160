package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8317 {
		t.Errorf("expected default port 8317, got %d", cfg.Port)
	}
	if cfg.Cache.SimilarityThreshold != 0.85 {
		t.Errorf("expected default similarity threshold 0.85, got %v", cfg.Cache.SimilarityThreshold)
	}
	if cfg.Circuit.FailureThreshold != 5 {
		t.Errorf("expected default failure threshold 5, got %d", cfg.Circuit.FailureThreshold)
	}
	if _, ok := cfg.Oracle.Tiers["fast"]; !ok {
		t.Error("expected a default fast tier")
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Circuit.CooldownSeconds != 60 {
		t.Errorf("expected default cooldown 60, got %d", cfg.Circuit.CooldownSeconds)
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	content := `
port: 9000
debug: true
cache:
  ttl-seconds: 120
  similarity-threshold: 0.9
circuit:
  failure-threshold: 3
  cooldown-seconds: 10
oracle:
  base-url: "http://oracle.test/v1"
  tiers:
    fast:
      model: tiny
      cost-per-1k-tokens: 0.0001
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if !cfg.Debug {
		t.Error("expected debug enabled")
	}
	if cfg.Cache.TTLSeconds != 120 {
		t.Errorf("expected ttl 120, got %d", cfg.Cache.TTLSeconds)
	}
	if cfg.Oracle.BaseURL != "http://oracle.test/v1" {
		t.Errorf("unexpected oracle base url %s", cfg.Oracle.BaseURL)
	}
	if cfg.Oracle.Tiers["fast"].Model != "tiny" {
		t.Errorf("unexpected fast tier model %s", cfg.Oracle.Tiers["fast"].Model)
	}
	// Unset sections still get defaults.
	if cfg.Selector.MaxRetries != 3 {
		t.Errorf("expected default selector retries 3, got %d", cfg.Selector.MaxRetries)
	}
}

func TestLoadConfig_APIKeyFromEnv(t *testing.T) {
	t.Setenv("POLLPILOT_ORACLE_API_KEY", "sk-test-123")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Oracle.APIKey != "sk-test-123" {
		t.Errorf("expected api key from env, got %q", cfg.Oracle.APIKey)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"similarity above one", func(c *Config) { c.Cache.SimilarityThreshold = 1.5 }},
		{"negative similarity", func(c *Config) { c.Cache.SimilarityThreshold = -0.1 }},
		{"zero failure threshold", func(c *Config) { c.Circuit.FailureThreshold = 0 }},
		{"zero recovery quota", func(c *Config) { c.Circuit.RecoveryQuota = 0 }},
		{"zero selector retries", func(c *Config) { c.Selector.MaxRetries = 0 }},
		{"port out of range", func(c *Config) { c.Port = 70000 }},
		{"empty tier model", func(c *Config) {
			c.Oracle.Tiers = map[string]TierConfig{"fast": {Model: ""}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
