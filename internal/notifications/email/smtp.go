package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"

	"pushpipe/internal/retry"
)

// SMTPOptions configures the relay connection.
type SMTPOptions struct {
	Host       string
	Port       int
	Username   string
	Password   string
	RequireTLS bool
}

// SMTPMailer sends through an SMTP relay using go-mail. A client is dialed
// per message.
type SMTPMailer struct {
	opts SMTPOptions
}

func NewSMTPMailer(opts SMTPOptions) *SMTPMailer {
	return &SMTPMailer{opts: opts}
}

func (m *SMTPMailer) Name() string { return "smtp" }

func (m *SMTPMailer) Send(ctx context.Context, msg Message) (string, error) {
	mm := mail.NewMsg()
	if err := mm.From(msg.From); err != nil {
		return "", retry.Permanent(fmt.Errorf("invalid from address: %w", err))
	}
	if err := mm.To(msg.To); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	mm.Subject(msg.Subject)
	mm.SetMessageID()
	if msg.ReferenceID != "" {
		mm.SetGenHeader(mail.Header("X-Notification-ID"), msg.ReferenceID)
	}
	mm.SetBodyString(mail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		mm.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}

	c, err := mail.NewClient(m.opts.Host, m.clientOptions()...)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("create mail client: %w", err))
	}
	if err := c.DialAndSendWithContext(ctx, mm); err != nil {
		var sendErr *mail.SendError
		if errors.As(err, &sendErr) && !sendErr.IsTemp() {
			return "", retry.Permanent(fmt.Errorf("smtp send: %w", err))
		}
		return "", fmt.Errorf("smtp send: %w", err)
	}
	return mm.GetMessageID(), nil
}

func (m *SMTPMailer) clientOptions() []mail.Option {
	opts := []mail.Option{mail.WithPort(m.opts.Port)}
	if m.opts.RequireTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if m.opts.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.opts.Username),
			mail.WithPassword(m.opts.Password),
		)
	}
	return opts
}
