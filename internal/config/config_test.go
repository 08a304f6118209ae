package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(filepath.Join(dir, "missing.yaml"), filepath.Join(dir, ".env"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	want := DefaultConfig()
	if cfg.ServerURL != want.ServerURL {
		t.Errorf("ServerURL = %q, want %q", cfg.ServerURL, want.ServerURL)
	}
	if cfg.Grace() != 5*time.Second {
		t.Errorf("Grace() = %v, want 5s", cfg.Grace())
	}
	if cfg.Reconnect.Base() != time.Second || cfg.Reconnect.Cap() != 30*time.Second {
		t.Errorf("Reconnect = %+v, want 1s/30s", cfg.Reconnect)
	}
	if cfg.Reconnect.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Reconnect.MaxAttempts)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
server_url: https://jobs.example.com
poll_interval: 10
reconnect:
  max_attempts: 3
`)
	cfg, err := LoadFrom(path, "")
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.ServerURL != "https://jobs.example.com" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.PollEvery() != 10*time.Second {
		t.Errorf("PollEvery() = %v, want 10s", cfg.PollEvery())
	}
	if cfg.Reconnect.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Reconnect.MaxAttempts)
	}
	// Unset nested keys keep their defaults
	if cfg.Reconnect.BaseMs != 1000 {
		t.Errorf("BaseMs = %d, want 1000", cfg.Reconnect.BaseMs)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "server_url: http://from-file:8000\n")
	t.Setenv(EnvServerURL, "http://from-env:9000")
	t.Setenv(EnvMetricsAddr, ":9464")

	cfg, err := LoadFrom(path, "")
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.ServerURL != "http://from-env:9000" {
		t.Errorf("ServerURL = %q, want env value", cfg.ServerURL)
	}
	if cfg.MetricsAddr != ":9464" {
		t.Errorf("MetricsAddr = %q, want :9464", cfg.MetricsAddr)
	}
}

func TestDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	// t.Setenv registers cleanup for the variable godotenv will set
	t.Setenv(EnvCachePath, "")
	os.Unsetenv(EnvCachePath)
	envFile := writeFile(t, dir, ".env", EnvCachePath+"="+filepath.Join(dir, "c.db")+"\n")

	cfg, err := LoadFrom("", envFile)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.CachePath != filepath.Join(dir, "c.db") {
		t.Errorf("CachePath = %q", cfg.CachePath)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"bad scheme", func(c *Config) { c.ServerURL = "ftp://x" }},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }},
		{"negative grace", func(c *Config) { c.GracePeriod = -1 }},
		{"cap below base", func(c *Config) { c.Reconnect.CapMs = 10 }},
		{"negative attempts", func(c *Config) { c.Reconnect.MaxAttempts = -1 }},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }},
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
