package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Auth endpoints (no auth required)
		r.Post("/auth/login", s.handleLogin)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// Bridge endpoints
			r.Route("/bridges", func(r chi.Router) {
				r.Get("/", s.handleListBridges)
				r.Post("/", s.handleCreateBridge)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetBridge)
					r.Patch("/", s.handleUpdateBridge)
					r.Delete("/", s.handleDeleteBridge)
					r.Get("/setup", s.handleBridgeSetup)
					r.Post("/restart", s.handleRestartBridge)
					r.Post("/reset", s.handleResetBridge)
				})
			})

			// Device endpoints
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Post("/", s.handleCreateDevice)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Patch("/", s.handleUpdateDevice)
					r.Delete("/", s.handleDeleteDevice)
					r.Get("/status", s.handleDeviceStatus)
					r.Post("/restart", s.handleRestartDevice)
					r.Post("/probe", s.handleProbeDevice)
				})
			})

			// Accessory endpoints
			r.Route("/accessories", func(r chi.Router) {
				r.Get("/", s.handleListAccessories)
				r.Post("/", s.handleCreateAccessory)

				r.Route("/{aid}", func(r chi.Router) {
					r.Get("/", s.handleGetAccessory)
					r.Patch("/", s.handleUpdateAccessory)
					r.Delete("/", s.handleDeleteAccessory)
					r.Get("/services", s.handleListServices)
					r.Post("/services", s.handleUpsertService)
				})
			})

			// Mi-Home source records
			r.Route("/midevices", func(r chi.Router) {
				r.Get("/", s.handleListMiDevices)
				r.Put("/{did}", s.handleUpsertMiDevice)
			})

			// Template endpoints
			r.Route("/templates", func(r chi.Router) {
				r.Get("/", s.handleListTemplates)
				r.Post("/{id}/apply", s.handleApplyTemplate)
			})

			// WebSocket event stream
			r.Get("/events", s.handleEvents)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
