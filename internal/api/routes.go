package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check (public)
	r.Get("/health", s.HandleHealth)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/readings", func(r chi.Router) {
			r.Get("/", s.HandleGetReadings)
			r.Get("/{key}", s.HandleGetReading)
		})

		r.Get("/session", s.HandleGetSession)
		r.Post("/poll", s.HandleTriggerPoll)
	})
}
