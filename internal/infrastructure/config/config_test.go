package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.DataDir != "data" {
		t.Errorf("DataDir = %q, want %q", cfg.Server.DataDir, "data")
	}
	if cfg.Database.Path != filepath.Join("data", "data.db") {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Templates.Dir != filepath.Join("data", "templates") {
		t.Errorf("Templates.Dir = %q", cfg.Templates.Dir)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  data_dir: /var/lib/homeport
logging:
  level: debug
  format: text
api:
  port: 9000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.DataDir != "/var/lib/homeport" {
		t.Errorf("DataDir = %q", cfg.Server.DataDir)
	}
	if cfg.Database.Path != filepath.Join("/var/lib/homeport", "data.db") {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port = %d, want 9000", cfg.API.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoadInvalidLevel(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: loud\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for invalid logging level")
	}
}

func TestLoadHistoryValidation(t *testing.T) {
	path := writeConfig(t, "history:\n  enabled: true\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for history without url")
	}
}

func TestTemplatesDirEnvOverride(t *testing.T) {
	t.Setenv("TEMPLATES_DIR", "/srv/templates")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Templates.Dir != "/srv/templates" {
		t.Errorf("Templates.Dir = %q, want env override", cfg.Templates.Dir)
	}
}

func TestSetDataDir(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cfg.SetDataDir("/opt/homeport")

	if cfg.Database.Path != filepath.Join("/opt/homeport", "data.db") {
		t.Errorf("Database.Path = %q after SetDataDir", cfg.Database.Path)
	}
	if cfg.Templates.Dir != filepath.Join("/opt/homeport", "templates") {
		t.Errorf("Templates.Dir = %q after SetDataDir", cfg.Templates.Dir)
	}
}
