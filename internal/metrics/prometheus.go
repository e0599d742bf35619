package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ Recorder = (*Prometheus)(nil)

// Prometheus keeps collectors in its own registry so several instances can
// coexist in tests.
type Prometheus struct {
	registry   *prometheus.Registry
	deliveries *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	queueLag   *prometheus.HistogramVec
	queueDepth *prometheus.GaugeVec
	requests   *prometheus.CounterVec
	reqLatency *prometheus.HistogramVec
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushpipe_delivery_attempts_total",
				Help: "Delivery attempts by channel and result",
			},
			[]string{"channel", "result"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pushpipe_delivery_latency_seconds",
				Help:    "Time spent in a delivery attempt",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		queueLag: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pushpipe_queue_lag_seconds",
				Help:    "Time between enqueue and lease",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"queue"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pushpipe_queue_depth",
				Help: "Messages owned by a queue, leased or not",
			},
			[]string{"queue"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushpipe_http_requests_total",
				Help: "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		reqLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pushpipe_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
	p.registry.MustRegister(p.deliveries, p.latency, p.queueLag, p.queueDepth, p.requests, p.reqLatency)
	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

func (p *Prometheus) RecordDelivery(_ context.Context, channel string, result Result) {
	p.deliveries.WithLabelValues(channel, string(result)).Inc()
}

func (p *Prometheus) RecordLatency(_ context.Context, channel string, d time.Duration) {
	p.latency.WithLabelValues(channel).Observe(d.Seconds())
}

func (p *Prometheus) RecordQueueLag(_ context.Context, queue string, lag time.Duration) {
	p.queueLag.WithLabelValues(queue).Observe(lag.Seconds())
}

func (p *Prometheus) RecordQueueDepth(_ context.Context, queue string, depth int64) {
	p.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordRequest satisfies the HTTP server's metrics hook.
func (p *Prometheus) RecordRequest(method, route, status string, d time.Duration) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.reqLatency.WithLabelValues(method, route).Observe(d.Seconds())
}
