package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/classdesk/classchat/internal/api/middleware"
	"github.com/classdesk/classchat/internal/broker"
	"github.com/classdesk/classchat/internal/presence"
	"github.com/classdesk/classchat/internal/store"
)

// NewRouter creates and configures the HTTP router for the operational
// surface: health, metrics, presence rosters and dead-letter inspection.
func NewRouter(logger zerolog.Logger, ds store.DataStore, mgr *broker.Manager, tracker *presence.Tracker) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	h := NewHandler(ds, mgr, tracker)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/rooms/{key}/online", h.RoomOnline)
	r.Get("/deadletters", h.DeadLetters)

	return r
}
