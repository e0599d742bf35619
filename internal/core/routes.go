package core

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/klauspost/compress/gzhttp"

	"pushpipe/internal/types"
)

// MountRoutes builds the middleware chain and mounts every route. Call once
// after all registrars and probes are set.
func (s *Server) MountRoutes() {
	r := s.router

	// Order matters: Recoverer must wrap everything, the request ID must
	// exist before logging.
	r.Use(s.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(ContextTimeoutMiddleware(s.Config.Server.RequestTimeout))
	r.Use(SecurityHeaders)
	r.Use(s.RequestLogger)
	r.Use(s.MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.Config.Server.CorsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", APIKeyHeader, RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(func(next http.Handler) http.Handler {
		return gzhttp.GzipHandler(next)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundRoute, "route not found", nil))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundRoute, "method not allowed", nil))
	})

	r.Get("/health", s.HandleHealth)
	for path, h := range s.PublicHandlers {
		r.Handle(path, h)
	}

	r.Route("/api", func(api chi.Router) {
		if limit := s.Config.Server.RateLimitPerMinute; limit > 0 {
			api.Use(httprate.Limit(limit, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					Error(w, r, types.NewAppError(types.ErrCodeRateLimit, "too many requests", nil))
				}),
			))
		}
		api.Use(s.APIKeyMiddleware)
		for _, register := range s.APIRouteRegistrars {
			register(api)
		}
	})
}
