// Package api provides the admin HTTP REST API and WebSocket event
// stream for Homeport.
//
// It exposes CRUD over bridges, devices, accessories, services and
// characteristics, template listing and apply, device property probes
// and bridge lifecycle operations (restart, pair-reset).
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple
// goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"homeport/internal/device"
	"homeport/internal/entity"
	"homeport/internal/hapkit"
	"homeport/internal/infrastructure/config"
	"homeport/internal/infrastructure/logging"
	"homeport/internal/template"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	Logger    *logging.Logger
	Repo      *entity.Repository
	Devices   *device.Manager
	Hap       *hapkit.Manager
	Templates *template.Registry
	Applier   *template.Applier
	Version   string
}

// Server is the admin HTTP API server.
//
// It manages the HTTP listener, routes, middleware and the WebSocket
// event hub. The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	repo      *entity.Repository
	devices   *device.Manager
	hap       *hapkit.Manager
	templates *template.Registry
	applier   *template.Applier
	version   string

	server *http.Server
	hub    *Hub
	cancel context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device manager is required")
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		repo:      deps.Repo,
		devices:   deps.Devices,
		hap:       deps.Hap,
		templates: deps.Templates,
		applier:   deps.Applier,
		version:   deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub and the device event
// relay, and launches the HTTP listener in a background goroutine. The
// server is stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.logger)
	go s.hub.Run(srvCtx)
	go s.relayDeviceEvents(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeout.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeout.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeout.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeout.Idle) * time.Second,
	}

	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server started", "address", s.server.Addr,
		"auth", s.cfg.Auth.Secret != "")
	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
