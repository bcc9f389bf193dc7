package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Orchestrator.Concurrency != 3 {
		t.Fatalf("expected default concurrency 3, got %d", cfg.Orchestrator.Concurrency)
	}
	if cfg.Orchestrator.FailureThreshold != 5 {
		t.Fatalf("expected default failure threshold 5, got %d", cfg.Orchestrator.FailureThreshold)
	}
	if cfg.Remote.MaxAttempts != 5 {
		t.Fatalf("expected default max attempts 5, got %d", cfg.Remote.MaxAttempts)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBED_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBED_BUS_USERNAME", "alice")
	t.Setenv("SCRIBED_BUS_PASSWORD", "secret")
	t.Setenv("SCRIBED_STORE_PATH", "./tmp.db")
	t.Setenv("SCRIBED_REMOTE_ENDPOINT", "https://api.example.com/v1/transcribe")
	t.Setenv("SCRIBED_REMOTE_TOKEN", "tok-123")
	t.Setenv("SCRIBED_REMOTE_MAX_ATTEMPTS", "7")
	t.Setenv("SCRIBED_ORCHESTRATOR_CONCURRENCY", "5")
	t.Setenv("SCRIBED_FALLBACK_MODE", "exec")
	t.Setenv("SCRIBED_FALLBACK_COMMAND", "whisper-cli --json")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Store.Path != "./tmp.db" {
		t.Fatalf("expected store path override")
	}
	if cfg.Remote.Endpoint != "https://api.example.com/v1/transcribe" {
		t.Fatalf("expected remote endpoint override")
	}
	if cfg.Remote.Token != "tok-123" {
		t.Fatalf("expected remote token override")
	}
	if cfg.Remote.MaxAttempts != 7 {
		t.Fatalf("expected max attempts override, got %d", cfg.Remote.MaxAttempts)
	}
	if cfg.Orchestrator.Concurrency != 5 {
		t.Fatalf("expected concurrency override, got %d", cfg.Orchestrator.Concurrency)
	}
	if cfg.Fallback.Mode != "exec" || cfg.Fallback.Command != "whisper-cli --json" {
		t.Fatalf("expected fallback override, got %+v", cfg.Fallback)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scribed.yaml")
	data := []byte("orchestrator:\n  concurrency: 2\nremote:\n  endpoint: https://api.example.com/v1/transcribe\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Orchestrator.Concurrency != 2 {
		t.Fatalf("expected concurrency 2 from file, got %d", cfg.Orchestrator.Concurrency)
	}
	if cfg.Remote.Endpoint != "https://api.example.com/v1/transcribe" {
		t.Fatalf("expected endpoint from file, got %q", cfg.Remote.Endpoint)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Orchestrator.Concurrency = 0 }},
		{"zero threshold", func(c *Config) { c.Orchestrator.FailureThreshold = 0 }},
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"max delay below base", func(c *Config) { c.Remote.MaxDelay = c.Remote.BaseDelay - 1 }},
		{"exec fallback without command", func(c *Config) { c.Fallback.Mode = "exec"; c.Fallback.Command = "" }},
		{"probe without url", func(c *Config) { c.Reachability.Mode = "probe"; c.Reachability.ProbeURL = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
