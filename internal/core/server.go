// Package core is the HTTP chassis: router, middleware chain, JSON
// envelopes, request validation and health reporting. Domain handlers mount
// themselves through APIRouteRegistrars.
package core

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"pushpipe/internal/config"
)

// MetricsCollector records per-request telemetry.
type MetricsCollector interface {
	RecordRequest(method, route, status string, duration time.Duration)
}

// Server holds the HTTP dependencies. Fields may be set between NewServer
// and MountRoutes.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector
	APIKeys   *APIKeyVerifier

	HealthProbes []HealthProbe
	// APIRouteRegistrars mount domain routes under /api behind API key auth.
	APIRouteRegistrars []func(chi.Router)
	// PublicHandlers are mounted at the root without auth, e.g. /metrics.
	PublicHandlers map[string]http.Handler

	router *chi.Mux
}

func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	return &Server{
		Config:         cfg,
		Logger:         logger,
		Validator:      NewValidator(),
		APIKeys:        NewAPIKeyVerifier(cfg.Server.APIKeyHashes),
		PublicHandlers: map[string]http.Handler{},
		router:         chi.NewRouter(),
	}, nil
}

// Handler returns the router for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Router() *chi.Mux {
	return s.router
}
