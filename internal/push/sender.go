package push

import "context"

// Error codes reported per token. They follow the provider's vocabulary.
const (
	CodeUnregistered    = "registration-token-not-registered"
	CodeInvalidArgument = "invalid-argument"
	CodeSenderMismatch  = "mismatched-credential"
	CodeQuotaExceeded   = "message-rate-exceeded"
	CodeUnavailable     = "server-unavailable"
	CodeInternal        = "internal-error"
	CodeUnknown         = "unknown-error"
)

// TokenOutcome is the provider's answer for one token.
type TokenOutcome struct {
	Token     string
	MessageID string
	// Err is nil on success.
	Err error
	// Code and Permanent classify Err.
	Code      string
	Permanent bool
}

// MulticastSender is the provider transport under LiveGateway.
type MulticastSender interface {
	// SendMulticast returns one outcome per token, in order. A non-nil
	// error means the request as a whole failed and nothing was sent.
	SendMulticast(ctx context.Context, tokens []string, p Payload) ([]TokenOutcome, error)
	SendTopic(ctx context.Context, topic string, p Payload) (string, error)
}
