package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"pushpipe/internal/types"
)

// fcmMaxTokens is the provider limit on tokens per multicast request.
const fcmMaxTokens = 500

// fcmClient is the subset of *messaging.Client used by FCMSender.
type fcmClient interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSender sends through Firebase Cloud Messaging.
type FCMSender struct {
	client fcmClient
}

// NewFCMSender initializes a Firebase app from a service account file.
func NewFCMSender(ctx context.Context, credentialsFile, projectID string) (*FCMSender, error) {
	var conf *firebase.Config
	if projectID != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}
	app, err := firebase.NewApp(ctx, conf, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return &FCMSender{client: client}, nil
}

func newFCMSenderWithClient(c fcmClient) *FCMSender {
	return &FCMSender{client: c}
}

func (s *FCMSender) SendMulticast(ctx context.Context, tokens []string, p Payload) ([]TokenOutcome, error) {
	outcomes := make([]TokenOutcome, 0, len(tokens))
	for start := 0; start < len(tokens); start += fcmMaxTokens {
		end := min(start+fcmMaxTokens, len(tokens))
		chunk := tokens[start:end]

		resp, err := s.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens:       chunk,
			Notification: &messaging.Notification{Title: p.Title, Body: p.Body},
			Data:         StringifyData(p.Data),
			Android:      androidConfig(p.Priority),
			APNS:         apnsConfig(p.Priority),
		})
		if err != nil {
			if start == 0 {
				return nil, fmt.Errorf("fcm multicast: %w", err)
			}
			// Earlier chunks were sent; report the rest as transient failures.
			for _, tok := range tokens[start:] {
				outcomes = append(outcomes, TokenOutcome{Token: tok, Err: err, Code: CodeUnavailable})
			}
			return outcomes, nil
		}
		for i, r := range resp.Responses {
			o := TokenOutcome{Token: chunk[i], MessageID: r.MessageID}
			if !r.Success || r.Error != nil {
				o.Err = r.Error
				o.Code, o.Permanent = classifyFCMError(r.Error)
			}
			outcomes = append(outcomes, o)
		}
	}
	return outcomes, nil
}

func (s *FCMSender) SendTopic(ctx context.Context, topic string, p Payload) (string, error) {
	id, err := s.client.Send(ctx, &messaging.Message{
		Topic:        topic,
		Notification: &messaging.Notification{Title: p.Title, Body: p.Body},
		Data:         StringifyData(p.Data),
		Android:      androidConfig(p.Priority),
		APNS:         apnsConfig(p.Priority),
	})
	if err != nil {
		return "", fmt.Errorf("fcm topic send: %w", err)
	}
	return id, nil
}

// classifyFCMError maps a per-token error to a code and whether retrying
// the same token could ever succeed.
func classifyFCMError(err error) (string, bool) {
	switch {
	case err == nil:
		return "", false
	case messaging.IsUnregistered(err):
		return CodeUnregistered, true
	case messaging.IsInvalidArgument(err):
		return CodeInvalidArgument, true
	case messaging.IsSenderIDMismatch(err):
		return CodeSenderMismatch, true
	case messaging.IsQuotaExceeded(err):
		return CodeQuotaExceeded, false
	case messaging.IsUnavailable(err):
		return CodeUnavailable, false
	case messaging.IsInternal(err):
		return CodeInternal, false
	default:
		return CodeUnknown, false
	}
}

func androidConfig(p types.Priority) *messaging.AndroidConfig {
	if p == types.PriorityHigh {
		return &messaging.AndroidConfig{Priority: "high"}
	}
	return &messaging.AndroidConfig{Priority: "normal"}
}

func apnsConfig(p types.Priority) *messaging.APNSConfig {
	prio := "5"
	if p == types.PriorityHigh {
		prio = "10"
	}
	return &messaging.APNSConfig{Headers: map[string]string{"apns-priority": prio}}
}
