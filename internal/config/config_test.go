package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Server.Token = "secret"
	cfg.Sync.MaxDelay = Duration{2 * time.Minute}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Server.Token != "secret" {
		t.Errorf("Token = %q", loaded.Server.Token)
	}
	if loaded.Sync.MaxDelay.Duration != 2*time.Minute {
		t.Errorf("MaxDelay = %s, want 2m", loaded.Sync.MaxDelay)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
base_url = "https://chat.example.com"

[sync]
max_retries = 3
base_delay = "250ms"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.BaseURL != "https://chat.example.com" {
		t.Errorf("BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.Sync.MaxRetries != 3 || cfg.Sync.BaseDelay.Duration != 250*time.Millisecond {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	// Untouched keys keep defaults.
	if cfg.Sync.BatchSize != 10 || cfg.Sync.Lookback.Duration != 7*24*time.Hour {
		t.Errorf("defaults lost: %+v", cfg.Sync)
	}
	if cfg.Log.Level != "info" || !cfg.Log.Console {
		t.Errorf("log defaults lost: %+v", cfg.Log)
	}
	if cfg.Connectivity.FailureThreshold != 2 || cfg.DefaultProfile != "main" {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if got := cfg.ProbeTarget(); got != "https://chat.example.com" {
		t.Errorf("ProbeTarget() = %q, want base url", got)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[sync]\ninterval = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid duration")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want default", cfg.Sync.MaxRetries)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
