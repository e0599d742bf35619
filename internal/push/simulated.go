package push

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"pushpipe/internal/types"
)

// SimulatedGateway stands in for the provider when it is not configured.
// Sends are logged and reported as delivered to every active token, so the
// rest of the pipeline behaves as it would against the real provider.
type SimulatedGateway struct {
	store  TokenStore
	logger types.Logger
}

func NewSimulatedGateway(store TokenStore, logger types.Logger) *SimulatedGateway {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &SimulatedGateway{store: store, logger: logger.With("component", "push_gateway", "simulation", true)}
}

func (g *SimulatedGateway) Name() string    { return "simulated" }
func (g *SimulatedGateway) Simulated() bool { return true }

func (g *SimulatedGateway) SendToUser(ctx context.Context, userID string, p Payload) (*types.DeliveryResult, error) {
	stored, err := g.store.GetUserTokens(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load tokens for %s: %w", userID, err)
	}
	tokens := activeTokenValues(stored)
	g.logger.Info("simulated push to user", "user_id", userID, "title", p.Title, "tokens", len(tokens))
	return &types.DeliveryResult{
		Success:        true,
		Simulation:     true,
		MessageID:      "sim-" + uuid.NewString(),
		DeliveredCount: len(tokens),
		NoTargets:      len(tokens) == 0,
	}, nil
}

func (g *SimulatedGateway) SendToTopic(_ context.Context, topic string, p Payload) (*types.DeliveryResult, error) {
	g.logger.Info("simulated push to topic", "topic", topic, "title", p.Title)
	return &types.DeliveryResult{
		Success:        true,
		Simulation:     true,
		MessageID:      "sim-" + uuid.NewString(),
		DeliveredCount: 1,
	}, nil
}

func (g *SimulatedGateway) RegisterToken(ctx context.Context, userID, token string, deviceType types.DeviceType) (*types.DeviceToken, error) {
	return g.store.UpsertSubscription(ctx, userID, token, deviceType)
}
