package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router. The ws
// handler is mounted separately so the hub stays optional in tests.
func MountRoutes(r chi.Router, h *Handlers, wsHandler http.HandlerFunc) {
	r.Get("/health", h.Health)
	r.Get("/health/ready", h.HealthReady)

	if wsHandler != nil {
		r.Get("/ws", wsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Turns
		r.Post("/turns", h.SendTurn)
		r.Get("/turns/{id}", h.GetTurn)
		r.Post("/turns/{id}/stop", h.StopTurn)
		r.Get("/turns/{id}/trajectory", h.GetTrajectory)

		// Conversations
		r.Get("/conversations/{metaID}/turns", h.ListTurns)

		// Registries
		r.Get("/experts", h.ListExperts)
		r.Get("/models", h.ListModels)
		r.Get("/commands", h.ListCommands)
	})
}
