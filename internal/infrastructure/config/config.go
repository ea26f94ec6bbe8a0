package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Homeport.
// All configuration is loaded from YAML; a small number of settings can be
// overridden by environment variables (see Load).
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	History   HistoryConfig   `yaml:"history"`
	Logging   LoggingConfig   `yaml:"logging"`
	Templates TemplatesConfig `yaml:"templates"`
}

// ServerConfig contains process-wide settings.
type ServerConfig struct {
	// DataDir is the root directory for the database, templates and
	// per-bridge scratch data. Relative paths in other sections are
	// resolved against it.
	DataDir string `yaml:"data_dir"`

	// Name is advertised as the manufacturer-visible bridge name prefix.
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains admin HTTP API settings.
type APIConfig struct {
	Enabled bool      `yaml:"enabled"`
	Host    string    `yaml:"host"`
	Port    int       `yaml:"port"`
	Auth    APIAuth   `yaml:"auth"`
	Timeout APITimers `yaml:"timeouts"`
}

// APIAuth contains optional bearer-token authentication settings.
// When Secret is empty the API is served unauthenticated.
type APIAuth struct {
	Secret string `yaml:"secret"`
	TTL    int    `yaml:"ttl"`
}

// APITimers contains HTTP timeout settings in seconds.
type APITimers struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// HistoryConfig contains optional InfluxDB event-history settings.
type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TemplatesConfig contains the accessory template tree location.
type TemplatesConfig struct {
	Dir string `yaml:"dir"`
}

// Default configuration values.
const (
	defaultDataDir       = "data"
	defaultDatabaseFile  = "data.db"
	defaultTemplatesDir  = "templates"
	defaultAPIPort       = 8090
	defaultBusyTimeout   = 5
	defaultReadTimeout   = 15
	defaultWriteTimeout  = 15
	defaultIdleTimeout   = 60
	defaultAuthTTL       = 3600
	defaultHistoryBatch  = 100
	defaultHistoryFlush  = 10
	defaultLoggingLevel  = "info"
	defaultLoggingFormat = "json"
	defaultLoggingOutput = "stdout"
)

// Load reads and validates the configuration from the given YAML file.
//
// A missing file is not an error: defaults are applied so the server can
// boot with an empty data directory. The TEMPLATES_DIR environment variable
// overrides templates.dir per the CLI contract.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Server.DataDir == "" {
		c.Server.DataDir = defaultDataDir
	}
	if c.Server.Name == "" {
		c.Server.Name = "Homeport"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Server.DataDir, defaultDatabaseFile)
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = defaultBusyTimeout
	}
	if c.Templates.Dir == "" {
		c.Templates.Dir = filepath.Join(c.Server.DataDir, defaultTemplatesDir)
	}
	if c.API.Port == 0 {
		c.API.Port = defaultAPIPort
	}
	if c.API.Timeout.Read == 0 {
		c.API.Timeout.Read = defaultReadTimeout
	}
	if c.API.Timeout.Write == 0 {
		c.API.Timeout.Write = defaultWriteTimeout
	}
	if c.API.Timeout.Idle == 0 {
		c.API.Timeout.Idle = defaultIdleTimeout
	}
	if c.API.Auth.TTL == 0 {
		c.API.Auth.TTL = defaultAuthTTL
	}
	if c.History.BatchSize == 0 {
		c.History.BatchSize = defaultHistoryBatch
	}
	if c.History.FlushInterval == 0 {
		c.History.FlushInterval = defaultHistoryFlush
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLoggingLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLoggingFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = defaultLoggingOutput
	}
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("TEMPLATES_DIR"); dir != "" {
		c.Templates.Dir = dir
	}
}

// SetDataDir points the configuration at a different data directory,
// re-deriving the paths that were defaulted relative to the old one.
// Used by the --data-dir CLI flag.
func (c *Config) SetDataDir(dir string) {
	old := c.Server.DataDir
	c.Server.DataDir = dir
	if c.Database.Path == filepath.Join(old, defaultDatabaseFile) || c.Database.Path == "" {
		c.Database.Path = filepath.Join(dir, defaultDatabaseFile)
	}
	if c.Templates.Dir == filepath.Join(old, defaultTemplatesDir) || c.Templates.Dir == "" {
		if os.Getenv("TEMPLATES_DIR") == "" {
			c.Templates.Dir = filepath.Join(dir, defaultTemplatesDir)
		}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not one of json, text", c.Logging.Format)
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}

	if c.History.Enabled {
		if c.History.URL == "" {
			return fmt.Errorf("history.url is required when history is enabled")
		}
		if c.History.Bucket == "" {
			return fmt.Errorf("history.bucket is required when history is enabled")
		}
	}

	return nil
}
