// Package chat delivers chat-channel jobs to an incoming webhook that speaks
// the Slack message format.
package chat

import (
	"context"

	"pushpipe/internal/types"
)

// Poster transmits a formatted payload and returns a delivery reference.
type Poster interface {
	Name() string
	Post(ctx context.Context, payload []byte) (string, error)
}

// Sender delivers chat jobs.
type Sender struct {
	poster Poster
	logger types.Logger
}

func NewSender(poster Poster, logger types.Logger) *Sender {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Sender{poster: poster, logger: logger}
}

// Simulated reports whether posts are recorded rather than sent.
func (s *Sender) Simulated() bool {
	_, ok := s.poster.(*SimulatedPoster)
	return ok
}

// Deliver formats job and posts it. Errors from the poster are returned
// unchanged so their retry classification survives.
func (s *Sender) Deliver(ctx context.Context, job types.JobMessage) (*types.DeliveryResult, error) {
	payload, err := Format(job)
	if err != nil {
		return nil, err
	}
	ref, err := s.poster.Post(ctx, payload)
	if err != nil {
		s.logger.Warn("chat post failed", "notification_id", job.NotificationID, "poster", s.poster.Name(), "error", err)
		return nil, err
	}
	return &types.DeliveryResult{
		Success:        true,
		MessageID:      ref,
		DeliveredCount: 1,
		Simulation:     s.Simulated(),
	}, nil
}
