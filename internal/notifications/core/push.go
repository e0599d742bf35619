package core

import (
	"context"
	"fmt"

	"pushpipe/internal/push"
	"pushpipe/internal/retry"
	"pushpipe/internal/types"
)

// PushDeliverer sends push jobs through a Gateway.
type PushDeliverer struct {
	gateway push.Gateway
}

func NewPushDeliverer(g push.Gateway) *PushDeliverer {
	return &PushDeliverer{gateway: g}
}

// Deliver multicasts to the recipient's tokens, or broadcasts when the job
// targets a topic. A user without active tokens is a permanent failure.
func (d *PushDeliverer) Deliver(ctx context.Context, job types.JobMessage) (*types.DeliveryResult, error) {
	p := push.Payload{Title: job.Title, Body: job.Body, Data: job.Data, Priority: job.Priority}
	if job.Audience == types.AudienceTopic {
		return d.gateway.SendToTopic(ctx, job.Recipient, p)
	}

	res, err := d.gateway.SendToUser(ctx, job.Recipient, p)
	if err != nil {
		return res, err
	}
	if res.NoTargets {
		return res, retry.Permanent(types.NewAppErrorWithDetails(types.ErrCodeNotFoundDeliveryTarget,
			fmt.Sprintf("user %s has no active device tokens", job.Recipient), nil,
			map[string]any{"userId": job.Recipient}))
	}
	return res, nil
}
