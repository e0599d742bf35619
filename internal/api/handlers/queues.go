package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pushpipe/internal/core"
	"pushpipe/internal/queue"
)

// QueueService is the read-only part of queue.Manager exposed over HTTP.
type QueueService interface {
	GetDetailedStats(ctx context.Context) (*queue.DetailedStats, error)
	HealthCheck(ctx context.Context) queue.HealthReport
}

type QueueHandler struct {
	svc QueueService
}

func NewQueueHandler(svc QueueService) *QueueHandler {
	return &QueueHandler{svc: svc}
}

func (h *QueueHandler) RegisterRoutes(r chi.Router) {
	r.Route("/queues", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Get("/health", h.Health)
	})
}

// Stats handles GET /api/queues/stats.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.GetDetailedStats(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

// Health handles GET /api/queues/health. An unhealthy report is a 503.
func (h *QueueHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.svc.HealthCheck(r.Context())
	status := http.StatusOK
	if report.Status != queue.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	core.JSON(w, r, status, report)
}
