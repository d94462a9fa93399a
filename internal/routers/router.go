package routers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"docsync/internal/api"
	"docsync/internal/metrics"
)

func New(h *api.Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	// Long-lived; no request timeout.
	r.Get("/ws", h.CollabWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/healthz", h.Health)
		r.Get("/documents/{id}", h.GetDocument)
		r.Get("/rooms", h.ListRooms)
	})

	return r
}
