package email

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"pushpipe/internal/types"
)

// SimulatedMailer records messages instead of sending them. It is used when
// no SMTP relay is configured.
type SimulatedMailer struct {
	logger types.Logger

	mu   sync.Mutex
	sent []Message
}

func NewSimulatedMailer(logger types.Logger) *SimulatedMailer {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &SimulatedMailer{logger: logger}
}

func (m *SimulatedMailer) Name() string { return "simulated" }

func (m *SimulatedMailer) Send(_ context.Context, msg Message) (string, error) {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	m.logger.Info("simulated email", "to", Redact(msg.To), "subject", msg.Subject)
	return "sim-email-" + uuid.NewString(), nil
}

// Sent returns a copy of every simulated message.
func (m *SimulatedMailer) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
