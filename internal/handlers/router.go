package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"machinewatch/internal/middleware"
)

// RouterConfig collects the handlers served by the API
type RouterConfig struct {
	Ingest   *IngestHandler
	Alerts   *AlertHandler
	Machines *MachineHandler

	Health http.HandlerFunc
	Stats  http.HandlerFunc
	// AlertStream serves the websocket alert feed when set
	AlertStream http.Handler
}

// NewRouter builds the API router
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodPost, "/telemetry", cfg.Ingest)
		r.Route("/alerts", cfg.Alerts.Routes)
		r.Route("/machines", cfg.Machines.Routes)
	})

	if cfg.Health != nil {
		r.Get("/health", cfg.Health)
	}
	if cfg.Stats != nil {
		r.Get("/stats", cfg.Stats)
	}
	if cfg.AlertStream != nil {
		r.Method(http.MethodGet, "/ws/alerts", cfg.AlertStream)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
