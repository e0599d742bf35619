package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"pushpipe/internal/retry"
	"pushpipe/internal/types"
)

// LiveGateway sends through a MulticastSender behind a circuit breaker and a
// rate limiter, and retires tokens the provider reports as invalid.
type LiveGateway struct {
	sender  MulticastSender
	store   TokenStore
	logger  types.Logger
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]TokenOutcome]
	topicCB *gobreaker.CircuitBreaker[string]
}

// LiveOptions tunes a LiveGateway.
type LiveOptions struct {
	RatePerSecond float64
	Burst         int
	// BreakerFailures consecutive request failures open the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// NewLiveGateway returns a gateway over sender.
func NewLiveGateway(sender MulticastSender, store TokenStore, logger types.Logger, opts LiveOptions) *LiveGateway {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 50
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	trip := func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= opts.BreakerFailures
	}
	return &LiveGateway{
		sender:  sender,
		store:   store,
		logger:  logger.With("component", "push_gateway"),
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		breaker: gobreaker.NewCircuitBreaker[[]TokenOutcome](gobreaker.Settings{
			Name:        "push-multicast",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     opts.BreakerTimeout,
			ReadyToTrip: trip,
		}),
		topicCB: gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
			Name:        "push-topic",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     opts.BreakerTimeout,
			ReadyToTrip: trip,
		}),
	}
}

func (g *LiveGateway) Name() string    { return "fcm" }
func (g *LiveGateway) Simulated() bool { return false }

// SendToUser multicasts to the user's active tokens. The send succeeds when
// at least one token accepted the message. Invalid tokens are deactivated.
// When nothing was delivered the error is permanent if every token was
// invalid and transient otherwise.
func (g *LiveGateway) SendToUser(ctx context.Context, userID string, p Payload) (*types.DeliveryResult, error) {
	stored, err := g.store.GetUserTokens(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load tokens for %s: %w", userID, err)
	}
	tokens := activeTokenValues(stored)
	if len(tokens) == 0 {
		return &types.DeliveryResult{NoTargets: true}, nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	outcomes, err := g.breaker.Execute(func() ([]TokenOutcome, error) {
		return g.sender.SendMulticast(ctx, tokens, p)
	})
	if err != nil {
		return nil, g.upstreamError(err)
	}

	result := &types.DeliveryResult{}
	var invalid []string
	for _, o := range outcomes {
		if o.Err == nil {
			result.DeliveredCount++
			if result.MessageID == "" {
				result.MessageID = o.MessageID
			}
			continue
		}
		result.FailedCount++
		result.TokenErrors = append(result.TokenErrors, types.TokenError{
			Token:     o.Token,
			Code:      o.Code,
			Message:   o.Err.Error(),
			Permanent: o.Permanent,
		})
		if o.Permanent {
			invalid = append(invalid, o.Token)
		}
	}

	if len(invalid) > 0 {
		n, err := g.store.DeactivateTokens(ctx, invalid)
		if err != nil {
			g.logger.Error("failed to deactivate invalid tokens", "user_id", userID, "count", len(invalid), "error", err)
		} else {
			g.logger.Info("deactivated invalid tokens", "user_id", userID, "count", n)
		}
	}

	result.Success = result.DeliveredCount > 0
	if result.Success {
		return result, nil
	}
	if len(invalid) == result.FailedCount {
		return result, retry.Permanent(types.NewAppError(types.ErrCodeUpstreamPushRejected, "every device token was rejected", ErrNoValidTokens))
	}
	return result, types.NewAppError(types.ErrCodeUpstreamPushUnavailable,
		fmt.Sprintf("delivery failed for %d tokens", result.FailedCount), errors.New(result.TokenErrors[0].Message))
}

func (g *LiveGateway) SendToTopic(ctx context.Context, topic string, p Payload) (*types.DeliveryResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	id, err := g.topicCB.Execute(func() (string, error) {
		return g.sender.SendTopic(ctx, topic, p)
	})
	if err != nil {
		return nil, g.upstreamError(err)
	}
	return &types.DeliveryResult{Success: true, MessageID: id, DeliveredCount: 1}, nil
}

func (g *LiveGateway) RegisterToken(ctx context.Context, userID, token string, deviceType types.DeviceType) (*types.DeviceToken, error) {
	return g.store.UpsertSubscription(ctx, userID, token, deviceType)
}

func (g *LiveGateway) upstreamError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamPushUnavailable, "push provider circuit open", err)
	}
	return types.NewAppError(types.ErrCodeUpstreamPushUnavailable, "push provider request failed", err)
}
