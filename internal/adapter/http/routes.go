package http

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes attaches all API routes to the router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/gates", func(r chi.Router) {
			r.Post("/", h.handleSubmitGate)
			r.Get("/", h.handleListGates)
			r.Get("/{id}", h.handleGetGate)
		})

		r.Route("/escalations", func(r chi.Router) {
			r.Get("/", h.handleListEscalations)
			r.Get("/{id}", h.handleGetEscalation)
			r.Post("/{id}/decision", h.handleDecision)
		})
	})
}
