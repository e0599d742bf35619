// Package push delivers notifications to device tokens through a multicast
// push provider.
//
// Two Gateway implementations exist and one is chosen at startup:
// LiveGateway talks to the provider; SimulatedGateway is used when no
// provider credentials are configured and reports synthetic success.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pushpipe/internal/types"
)

// ErrNoValidTokens is returned (marked permanent) when every token of a
// multicast was rejected by the provider as invalid.
var ErrNoValidTokens = errors.New("all device tokens rejected")

// Payload is the provider-neutral notification content.
type Payload struct {
	Title    string
	Body     string
	Data     map[string]any
	Priority types.Priority
}

// TokenStore is the slice of the notification store the gateway needs.
type TokenStore interface {
	GetUserTokens(ctx context.Context, userID string) ([]types.DeviceToken, error)
	DeactivateTokens(ctx context.Context, tokens []string) (int, error)
	UpsertSubscription(ctx context.Context, userID, token string, deviceType types.DeviceType) (*types.DeviceToken, error)
}

// Gateway sends notifications to users and topics.
type Gateway interface {
	Name() string
	Simulated() bool
	// SendToUser multicasts to every active token of the user. Zero tokens
	// yields a result with NoTargets set and no error.
	SendToUser(ctx context.Context, userID string, p Payload) (*types.DeliveryResult, error)
	SendToTopic(ctx context.Context, topic string, p Payload) (*types.DeliveryResult, error)
	// RegisterToken upserts the token, reactivating it if it was deactivated.
	RegisterToken(ctx context.Context, userID, token string, deviceType types.DeviceType) (*types.DeviceToken, error)
}

// StringifyData converts a payload data map to the string map push
// providers require. Strings pass through; everything else is JSON encoded.
func StringifyData(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(t)
			if err != nil {
				out[k] = fmt.Sprint(t)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

func activeTokenValues(tokens []types.DeviceToken) []string {
	out := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if !t.Active {
			continue
		}
		if _, dup := seen[t.Token]; dup {
			continue
		}
		seen[t.Token] = struct{}{}
		out = append(out, t.Token)
	}
	return out
}
