// Homeport bridges Mi-Home devices into Apple HomeKit.
//
// It runs the device runtimes (Wi-Fi, gateway, BLE, mesh, cloud,
// virtual), one HAP bridge server per configured bridge row, the
// accessory template engine and the admin REST/WebSocket API, all over a
// single SQLite database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "homeport/migrations"

	"homeport/internal/api"
	"homeport/internal/delegate"
	"homeport/internal/device"
	"homeport/internal/entity"
	"homeport/internal/hapkit"
	"homeport/internal/history"
	"homeport/internal/infrastructure/config"
	"homeport/internal/infrastructure/database"
	"homeport/internal/infrastructure/influxdb"
	"homeport/internal/infrastructure/logging"
	"homeport/internal/template"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path, relative to the working directory.
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Returning an error allows main to handle exit codes
// consistently.
func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("homeport", flag.ContinueOnError)
	configPath := fs.String("config", getConfigPath(), "path to config.yaml")
	dataDir := fs.String("data-dir", "", "override the data directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	log := logging.Default()
	log.Info("starting Homeport",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *dataDir != "" {
		cfg.SetDataDir(*dataDir)
	}
	log.Info("configuration loaded", "path", *configPath, "data_dir", cfg.Server.DataDir)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete")

	repo := entity.NewRepository(db.DB)

	// Device runtimes. Gateways install before their children.
	devices := device.NewManager(repo, log.With("component", "device"))
	if err := devices.Start(ctx); err != nil {
		return fmt.Errorf("starting devices: %w", err)
	}
	defer func() {
		log.Info("stopping devices")
		devices.Stop()
	}()
	log.Info("device manager started", "installed", len(devices.InstalledIDs()))

	// HAP bridges.
	registry := delegate.NewRegistry()
	hap := hapkit.NewManager(repo, devices, registry, log.With("component", "hapkit"))
	if err := hap.StartAll(ctx); err != nil {
		return fmt.Errorf("starting bridges: %w", err)
	}
	defer func() {
		log.Info("stopping bridges")
		hap.StopAll()
	}()

	// Accessory templates.
	templates := template.NewRegistry(cfg.Templates.Dir, log.With("component", "template"))
	if err := templates.Load(); err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}
	log.Info("templates loaded", "dir", cfg.Templates.Dir, "count", len(templates.List()))
	applier := template.NewApplier(repo, log.With("component", "template"))

	// Optional event history.
	var influxClient *influxdb.Client
	if cfg.History.Enabled {
		influxClient, err = influxdb.Connect(cfg.History)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.History.URL, "bucket", cfg.History.Bucket)

		recorder := history.NewRecorder(influxClient, devices, log.With("component", "history"))
		go recorder.Run(ctx)
	} else {
		log.Info("event history disabled")
	}

	// Admin API.
	if cfg.API.Enabled {
		server, err := api.New(api.Deps{
			Config:    cfg.API,
			Logger:    log.With("component", "api"),
			Repo:      repo,
			Devices:   devices,
			Hap:       hap,
			Templates: templates,
			Applier:   applier,
			Version:   version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("admin API disabled")
	}

	if err := healthCheck(ctx, db, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, InfluxDB, bridges, devices, database.

	return nil
}

// getConfigPath returns the configuration file path.
// Uses the HOMEPORT_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HOMEPORT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
