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
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Get("/connections", s.handleListConnections)
			r.Delete("/devices/{deviceID}/connection", s.handleReleaseDevice)
			r.Post("/devices/{deviceID}/connection", s.handleBindDevice)

			r.Route("/liveness", func(r chi.Router) {
				r.Get("/", s.handleListLiveness)
				r.Get("/online", s.handleOnlineMap)
				r.Get("/{deviceID}", s.handleGetLiveness)
				r.Post("/{deviceID}/reset", s.handleResetLiveness)
			})

			r.Post("/commands", s.handleCommand)

			r.Route("/broker-configs", func(r chi.Router) {
				r.Get("/", s.handleListBrokerConfigs)
				r.Post("/", s.handleCreateBrokerConfig)
				r.Get("/effective", s.handleEffectiveBrokerConfig)
				r.Post("/test", s.handleTestBrokerConfig)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetBrokerConfig)
					r.Put("/", s.handleUpdateBrokerConfig)
					r.Delete("/", s.handleDeleteBrokerConfig)
					r.Post("/activate", s.handleActivateBrokerConfig)
				})
			})
		})
	})

	return r
}
