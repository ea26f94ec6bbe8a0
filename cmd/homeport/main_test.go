package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestRun_BootAndShutdown boots a full server with an empty data
// directory and the API disabled, then cancels the context.
func TestRun_BootAndShutdown(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  name: Test

api:
  enabled: false

history:
  enabled: false

logging:
  level: error
  format: text
  output: stdout
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := run(ctx, []string{"--config", configPath, "--data-dir", tmpDir})
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}

	// The database must have been created inside the data dir.
	if _, err := os.Stat(filepath.Join(tmpDir, "data.db")); err != nil {
		t.Errorf("expected data.db in data dir: %v", err)
	}
}

// TestRun_BadConfig verifies run fails on a malformed config file.
func TestRun_BadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("::: not yaml"), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, []string{"--config", configPath}); err == nil {
		t.Fatal("run() should fail with malformed config")
	}
}

// TestRun_BadFlag verifies unknown flags are rejected.
func TestRun_BadFlag(t *testing.T) {
	ctx := context.Background()
	if err := run(ctx, []string{"--definitely-not-a-flag"}); err == nil {
		t.Fatal("run() should fail on unknown flag")
	}
}

func TestGetConfigPath_Default(t *testing.T) {
	originalEnv := os.Getenv("HOMEPORT_CONFIG")
	defer os.Setenv("HOMEPORT_CONFIG", originalEnv)

	os.Unsetenv("HOMEPORT_CONFIG")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

func TestGetConfigPath_EnvOverride(t *testing.T) {
	originalEnv := os.Getenv("HOMEPORT_CONFIG")
	defer os.Setenv("HOMEPORT_CONFIG", originalEnv)

	expected := "/custom/path/config.yaml"
	os.Setenv("HOMEPORT_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}
