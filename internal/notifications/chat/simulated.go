package chat

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"pushpipe/internal/types"
)

// SimulatedPoster records payloads instead of posting them. It is used when
// no webhook URL is configured.
type SimulatedPoster struct {
	logger types.Logger

	mu     sync.Mutex
	posted [][]byte
}

func NewSimulatedPoster(logger types.Logger) *SimulatedPoster {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &SimulatedPoster{logger: logger}
}

func (p *SimulatedPoster) Name() string { return "simulated" }

func (p *SimulatedPoster) Post(_ context.Context, payload []byte) (string, error) {
	p.mu.Lock()
	p.posted = append(p.posted, append([]byte(nil), payload...))
	p.mu.Unlock()
	p.logger.Info("simulated chat post", "bytes", len(payload))
	return "sim-chat-" + uuid.NewString(), nil
}

// Posted returns a copy of every recorded payload.
func (p *SimulatedPoster) Posted() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.posted...)
}
