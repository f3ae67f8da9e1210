package config

import (
	"os"
	"path/filepath"
	"testing"
)

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaultsWithoutFiles(t *testing.T) {
	t.Setenv("APP_ENV", "")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "development" {
		t.Errorf("env = %q", cfg.Env)
	}
	if cfg.LogLevel != "info" || !cfg.SecondBrain.Enabled {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadOverlayPrecedence(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "config.yaml", "log_level: debug\nhome: /srv/agent\n")
	write(t, dir, "config.production.yaml", "log_level: warn\n")

	t.Setenv("APP_ENV", "production")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level = %q, want overlay to win", cfg.LogLevel)
	}
	if cfg.Home != "/srv/agent" {
		t.Errorf("home = %q, want base value kept", cfg.Home)
	}
	if cfg.TelemetryDir() != "/srv/agent/telemetry" {
		t.Errorf("telemetry dir = %q", cfg.TelemetryDir())
	}
}

func TestLoadEnvOverridesFiles(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "config.yaml", "log_level: debug\n")

	t.Setenv("APP_ENV", "test")
	t.Setenv("AGENT_LOG_LEVEL", "error")
	t.Setenv("AGENT_HOME", "/tmp/agent-home")
	t.Setenv("AGENT_SEARCH_URL", "http://search:9200")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "error" || cfg.Home != "/tmp/agent-home" {
		t.Errorf("env overrides lost: %+v", cfg)
	}
	if !cfg.Search.Enabled || cfg.Search.BaseURL != "http://search:9200" {
		t.Errorf("search = %+v", cfg.Search)
	}
}

func TestLoadRejectsUnknownEnv(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("expected error for unknown APP_ENV")
	}
}

func TestLoadLLMBaseURLFillsEmptyEndpoints(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "config.yaml", `
models:
  standard:
    model_id: llama3
    endpoint: http://gpu-box:8000
  router:
    model_id: qwen-small
`)
	t.Setenv("APP_ENV", "test")
	t.Setenv("AGENT_LLM_BASE_URL", "http://localhost:8000")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Models.Router.Endpoint != "http://localhost:8000" {
		t.Errorf("router endpoint = %q, want fallback applied", cfg.Models.Router.Endpoint)
	}
	if cfg.Models.Standard.Endpoint != "http://gpu-box:8000" {
		t.Errorf("standard endpoint = %q, want explicit value kept", cfg.Models.Standard.Endpoint)
	}

	byRole := cfg.Models.ByRole()
	if len(byRole) != 2 {
		t.Errorf("configured roles = %v", byRole)
	}
}

func TestGovernanceDirRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("APP_ENV", "test")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GovernanceDir != filepath.Join(dir, "governance") {
		t.Errorf("governance dir = %q", cfg.GovernanceDir)
	}
}
