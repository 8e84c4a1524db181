package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Expected default host, got '%s'", cfg.Server.Host)
	}
	if cfg.Storage.ArchiveFolder != "executed" {
		t.Errorf("Expected default archive folder, got '%s'", cfg.Storage.ArchiveFolder)
	}
	if cfg.Scheduler.MaxFirings != 10 {
		t.Errorf("Expected default max firings 10, got %d", cfg.Scheduler.MaxFirings)
	}
	if cfg.Submission.RequestTimeout != 30*time.Second {
		t.Errorf("Expected default request timeout, got %v", cfg.Submission.RequestTimeout)
	}
	if cfg.Submission.ClaimAttempts != 3 {
		t.Errorf("Expected default claim attempts 3, got %d", cfg.Submission.ClaimAttempts)
	}
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 8888
database:
  path: /data/app.db
storage:
  upload_dir: /data/uploads
  archive_folder: done
scheduler:
  max_firings: 4
submission:
  claim_attempts: 5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Path != "/data/app.db" {
		t.Errorf("Unexpected database path: %s", cfg.Database.Path)
	}
	if cfg.Storage.ArchiveFolder != "done" {
		t.Errorf("Unexpected archive folder: %s", cfg.Storage.ArchiveFolder)
	}
	if cfg.Scheduler.MaxFirings != 4 {
		t.Errorf("Unexpected max firings: %d", cfg.Scheduler.MaxFirings)
	}
	if cfg.Submission.ClaimAttempts != 5 {
		t.Errorf("Unexpected claim attempts: %d", cfg.Submission.ClaimAttempts)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, "database:\n  path: /data/app.db\n")

	t.Setenv("DB_PATH", "/tmp/override.db")
	t.Setenv("MAX_FIRINGS", "7")

	cfg, err := LoadFromEnv(path)
	if err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("DB_PATH override not applied: %s", cfg.Database.Path)
	}
	if cfg.Scheduler.MaxFirings != 7 {
		t.Errorf("MAX_FIRINGS override not applied: %d", cfg.Scheduler.MaxFirings)
	}
}
