// Package core performs single delivery attempts and owns the notification
// status bookkeeping around them. It is shared by the synchronous send path,
// the in-process consumer pool and the Lambda worker.
package core

import (
	"context"

	"pushpipe/internal/types"
)

// Deliverer sends one job over one channel. Errors wrapped with
// retry.Permanent are never retried.
type Deliverer interface {
	Deliver(ctx context.Context, job types.JobMessage) (*types.DeliveryResult, error)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, job types.JobMessage) (*types.DeliveryResult, error)

func (f DelivererFunc) Deliver(ctx context.Context, job types.JobMessage) (*types.DeliveryResult, error) {
	return f(ctx, job)
}

// JobRepository is the slice of the notification store the delivery core
// needs. Depending on it rather than the whole store keeps tests small.
type JobRepository interface {
	GetNotification(ctx context.Context, id string) (*types.Notification, error)
	UpdateNotificationStatus(ctx context.Context, id string, status types.NotificationStatus, lastError string) error
	RecordAttempt(ctx context.Context, id string) (int, error)
}

// Channels maps each channel to its deliverer.
type Channels map[types.Channel]Deliverer
