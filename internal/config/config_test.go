package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_AppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.App.Name != "obscoredemo" {
		t.Errorf("App.Name = %q, want obscoredemo", cfg.App.Name)
	}
	if cfg.Logging.Mode != "production" {
		t.Errorf("Logging.Mode = %q, want production", cfg.Logging.Mode)
	}
	if cfg.Tracker.RetentionTTL != 24*time.Hour {
		t.Errorf("Tracker.RetentionTTL = %v, want 24h", cfg.Tracker.RetentionTTL)
	}
}

func TestLoad_ReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
app:
  name: myservice
logging:
  mode: development
  strict_mode: true
tracker:
  max_tracked_ips: 500
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.App.Name != "myservice" {
		t.Errorf("App.Name = %q, want myservice", cfg.App.Name)
	}
	if cfg.Logging.Mode != "development" {
		t.Errorf("Logging.Mode = %q, want development", cfg.Logging.Mode)
	}
	if !cfg.Logging.StrictMode {
		t.Error("expected StrictMode true from file")
	}
	if cfg.Tracker.MaxTrackedIPs != 500 {
		t.Errorf("Tracker.MaxTrackedIPs = %d, want 500", cfg.Tracker.MaxTrackedIPs)
	}
	// Defaults still apply to unset fields.
	if cfg.Tracker.MaxEventsPerIP != 200 {
		t.Errorf("Tracker.MaxEventsPerIP = %d, want default 200", cfg.Tracker.MaxEventsPerIP)
	}
}

func TestLoad_EnvOverridesFileAndDefaults(t *testing.T) {
	t.Setenv("OBSCORE_LOGGING_MODE", "development")
	t.Setenv("OBSCORE_LOGGING_STRICT_MODE", "true")
	t.Setenv("OBSCORE_TRACKER_MAX_IPS", "42")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Logging.Mode != "development" {
		t.Errorf("Logging.Mode = %q, want development", cfg.Logging.Mode)
	}
	if !cfg.Logging.StrictMode {
		t.Error("expected StrictMode true from env override")
	}
	if cfg.Tracker.MaxTrackedIPs != 42 {
		t.Errorf("Tracker.MaxTrackedIPs = %d, want 42", cfg.Tracker.MaxTrackedIPs)
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestValidate_RejectsBadMode(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Logging.Mode = "nonsense"

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for invalid logging.mode")
	}
}

func TestValidate_RejectsZeroRetentionTTL(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Tracker.RetentionTTL = 0

	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for zero retention_ttl")
	}
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		t.Fatalf("default config should validate cleanly, got %v", err)
	}
}
