package core

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

// Health status values.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// HealthProbe reports one dependency. Check returns a short state such as
// "connected" or "simulated"; a non-nil error marks the service unhealthy.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) (string, error)
}

// ProbeFunc adapts a function into a HealthProbe.
type ProbeFunc struct {
	Label string
	Fn    func(ctx context.Context) (string, error)
}

func (p ProbeFunc) Name() string { return p.Label }

func (p ProbeFunc) Check(ctx context.Context) (string, error) { return p.Fn(ctx) }

// DependencyStatus is one entry of the health report.
type DependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type HealthResponse struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
}

// HandleHealth runs every probe concurrently under a shared timeout. Any
// failing or timed out probe turns the response into a 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:       HealthHealthy,
		Timestamp:    time.Now().UTC(),
		Version:      s.Config.Build.Version,
		Dependencies: make(map[string]DependencyStatus, len(s.HealthProbes)),
	}

	type result struct {
		name  string
		state string
		err   error
	}
	results := make(chan result, len(s.HealthProbes))
	for _, p := range s.HealthProbes {
		go func(p HealthProbe) {
			state, err := p.Check(ctx)
			results <- result{name: p.Name(), state: state, err: err}
		}(p)
	}

	pending := make(map[string]bool, len(s.HealthProbes))
	for _, p := range s.HealthProbes {
		pending[p.Name()] = true
	}

collect:
	for range s.HealthProbes {
		select {
		case res := <-results:
			delete(pending, res.name)
			dep := DependencyStatus{Status: res.state}
			if res.err != nil {
				resp.Status = HealthUnhealthy
				dep.Error = res.err.Error()
				if dep.Status == "" {
					dep.Status = "disconnected"
				}
			}
			resp.Dependencies[res.name] = dep
		case <-ctx.Done():
			break collect
		}
	}
	for name := range pending {
		resp.Status = HealthUnhealthy
		resp.Dependencies[name] = DependencyStatus{Status: "timeout", Error: "health check timed out"}
	}

	status := http.StatusOK
	if resp.Status == HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}
