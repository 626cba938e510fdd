package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-bridgehost/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/system", s.handleSystem)

		r.Get("/bridges", s.handleListBridges)
		r.Get("/bridges/{username}", s.handleGetBridge)
		r.Get("/bridges/{username}/history", s.handleBridgeHistory)
		r.Get("/history", s.handleHistory)
		r.Get("/ports", s.handleListPorts)
		r.Get("/rejected", s.handleListRejected)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.requirePermission(auth.PermBridgeControl))

			r.Post("/bridges/{username}/start", s.handleStartBridge)
			r.Post("/bridges/{username}/stop", s.handleStopBridge)
			r.Post("/bridges/{username}/restart", s.handleRestartBridge)
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
