// Package email delivers email-channel jobs: a Renderer turns a job into a
// message and a Mailer (SMTP or simulated) sends it.
package email

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"pushpipe/internal/retry"
	"pushpipe/internal/types"
)

// ErrInvalidRecipient marks an address the relay will never accept.
var ErrInvalidRecipient = errors.New("invalid email recipient")

// Message is a rendered email ready for a Mailer.
type Message struct {
	To          string
	From        string
	Subject     string
	HTML        string
	Text        string
	ReferenceID string
}

// Mailer transmits a rendered message and returns a provider message ID.
type Mailer interface {
	Name() string
	Send(ctx context.Context, msg Message) (string, error)
}

// Sender delivers email jobs.
type Sender struct {
	mailer   Mailer
	renderer *Renderer
	from     string
	logger   types.Logger
}

func NewSender(mailer Mailer, renderer *Renderer, from string, logger types.Logger) *Sender {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Sender{mailer: mailer, renderer: renderer, from: from, logger: logger}
}

// Simulated reports whether the underlying mailer is a simulation.
func (s *Sender) Simulated() bool {
	_, ok := s.mailer.(*SimulatedMailer)
	return ok
}

// Deliver renders job and sends it to job.Recipient. Malformed or rejected
// addresses come back as retry.Permanent errors.
func (s *Sender) Deliver(ctx context.Context, job types.JobMessage) (*types.DeliveryResult, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(job.Recipient))
	if err != nil {
		return nil, retry.Permanent(types.NewAppError(types.ErrCodeValidationInvalidField,
			fmt.Sprintf("recipient %q is not an email address", Redact(job.Recipient)),
			fmt.Errorf("%w: %v", ErrInvalidRecipient, err)))
	}

	rendered, err := s.renderer.Render(job)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("render email: %w", err))
	}

	s.logger.Info("sending email", "to", Redact(addr.Address), "notification_id", job.NotificationID)
	id, err := s.mailer.Send(ctx, Message{
		To:          addr.Address,
		From:        s.from,
		Subject:     rendered.Subject,
		HTML:        rendered.HTML,
		Text:        rendered.Text,
		ReferenceID: job.NotificationID,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidRecipient) || retry.IsPermanent(err) {
			return nil, retry.Permanent(types.NewAppError(types.ErrCodeUpstreamEmailUnavailable, "email rejected by relay", err))
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamEmailUnavailable, "email relay unavailable", err)
	}
	return &types.DeliveryResult{
		Success:        true,
		MessageID:      id,
		DeliveredCount: 1,
		Simulation:     s.Simulated(),
	}, nil
}

// Redact masks the local part of an address for logs: "jane@x.io" becomes
// "j***@x.io". Strings without "@" are masked entirely.
func Redact(addr string) string {
	local, domain, ok := strings.Cut(addr, "@")
	switch {
	case addr == "":
		return ""
	case !ok:
		return "***"
	case local == "":
		return "***@" + domain
	}
	return local[:1] + "***@" + domain
}
