package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaults tests the built-in configuration.
func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.DataDir != "./data" {
		t.Errorf("Unexpected data dir %q", cfg.DataDir)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("Expected 3 max retries, got %d", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.BackoffBase != 2*time.Second || cfg.Sync.BackoffCap != 5*time.Minute {
		t.Errorf("Unexpected backoff bounds: %v / %v", cfg.Sync.BackoffBase, cfg.Sync.BackoffCap)
	}
	if cfg.Sync.GraceWindow != 30*time.Second {
		t.Errorf("Unexpected grace window %v", cfg.Sync.GraceWindow)
	}
	if cfg.Sync.CronSchedule != "@every 5m" {
		t.Errorf("Unexpected schedule %q", cfg.Sync.CronSchedule)
	}
	if cfg.Cache.DefaultTTL != time.Hour {
		t.Errorf("Unexpected default TTL %v", cfg.Cache.DefaultTTL)
	}
	if cfg.API.Timeout != 15*time.Second {
		t.Errorf("Unexpected API timeout %v", cfg.API.Timeout)
	}
}

// TestLoadFile tests file values overriding defaults.
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /var/lib/offline
debug: true
api:
  base_url: https://learn.example.com/api/v1
  timeout: 30s
sync:
  max_retries: 5
  grace_window: 1m
cache:
  course_ttl: 48h
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DataDir != "/var/lib/offline" || !cfg.Debug {
		t.Errorf("Unexpected root config: %+v", cfg)
	}
	if cfg.API.BaseURL != "https://learn.example.com/api/v1" || cfg.API.Timeout != 30*time.Second {
		t.Errorf("Unexpected API config: %+v", cfg.API)
	}
	if cfg.Sync.MaxRetries != 5 || cfg.Sync.GraceWindow != time.Minute {
		t.Errorf("Unexpected sync config: %+v", cfg.Sync)
	}
	if cfg.Cache.CourseTTL != 48*time.Hour {
		t.Errorf("Unexpected cache config: %+v", cfg.Cache)
	}
	// Values absent from the file keep their defaults
	if cfg.Sync.BackoffBase != 2*time.Second {
		t.Errorf("Expected default backoff base kept, got %v", cfg.Sync.BackoffBase)
	}
}

// TestLoadMissingFile tests the error path.
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

// TestEnvOverride tests OFFLINE_-prefixed environment variables.
func TestEnvOverride(t *testing.T) {
	t.Setenv("OFFLINE_DATA_DIR", "/tmp/offline-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/tmp/offline-test" {
		t.Errorf("Expected env override, got %q", cfg.DataDir)
	}
}
