package core

import (
	"context"
	"fmt"
	"time"

	"pushpipe/internal/metrics"
	"pushpipe/internal/retry"
	"pushpipe/internal/types"
)

// DeliveryManager runs delivery attempts and records their outcome on the
// notification record.
type DeliveryManager struct {
	repo     JobRepository
	channels Channels
	logger   types.Logger
	metrics  metrics.Recorder
	now      func() time.Time
}

// Option configures a DeliveryManager.
type Option func(*DeliveryManager)

func WithMetrics(r metrics.Recorder) Option {
	return func(m *DeliveryManager) {
		if r != nil {
			m.metrics = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *DeliveryManager) { m.now = now }
}

func NewDeliveryManager(repo JobRepository, channels Channels, logger types.Logger, opts ...Option) *DeliveryManager {
	if logger == nil {
		logger = types.NopLogger{}
	}
	m := &DeliveryManager{
		repo:     repo,
		channels: channels,
		logger:   logger,
		metrics:  metrics.Noop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attempt performs exactly one delivery attempt for job.
//
// The attempt counter is incremented first. On success the notification
// moves to sent. A transient failure leaves it pending with LastError set;
// a permanent failure is returned for the caller to settle with MarkFailed.
// Jobs without a NotificationID (test messages) skip bookkeeping.
func (m *DeliveryManager) Attempt(ctx context.Context, job types.JobMessage) (*types.DeliveryResult, error) {
	id := job.NotificationID
	if id != "" {
		if _, err := m.repo.RecordAttempt(ctx, id); err != nil {
			if types.CodeOf(err) == types.ErrCodeNotFoundNotification {
				return nil, retry.Permanent(err)
			}
			return nil, fmt.Errorf("record attempt: %w", err)
		}
	}

	d, ok := m.channels[job.Channel]
	if !ok {
		return nil, retry.Permanent(types.NewAppError(types.ErrCodeValidationInvalidField,
			fmt.Sprintf("no deliverer for channel %q", job.Channel), nil))
	}

	start := m.now()
	res, err := d.Deliver(ctx, job)
	m.metrics.RecordLatency(ctx, string(job.Channel), m.now().Sub(start))

	if err != nil {
		switch {
		case types.CodeOf(err) == types.ErrCodeNotFoundDeliveryTarget:
			m.metrics.RecordDelivery(ctx, string(job.Channel), metrics.ResultNoTarget)
		case retry.IsPermanent(err):
			m.metrics.RecordDelivery(ctx, string(job.Channel), metrics.ResultFailed)
		default:
			m.metrics.RecordDelivery(ctx, string(job.Channel), metrics.ResultRetried)
			if id != "" {
				if uerr := m.repo.UpdateNotificationStatus(ctx, id, types.StatusPending, err.Error()); uerr != nil {
					m.logger.Warn("failed to record attempt error", "notification_id", id, "error", uerr)
				}
			}
		}
		return res, err
	}

	m.metrics.RecordDelivery(ctx, string(job.Channel), metrics.ResultSuccess)
	if id != "" {
		// The provider accepted the message; a bookkeeping failure must not
		// trigger a second send.
		if uerr := m.repo.UpdateNotificationStatus(ctx, id, types.StatusSent, ""); uerr != nil {
			m.logger.Error("delivered but failed to mark sent", "notification_id", id, "error", uerr)
		}
	}
	return res, nil
}

// Deliver wraps Attempt in the retry executor. When the attempts are used
// up, or a permanent error occurs, the notification is marked failed and
// the error is returned.
func (m *DeliveryManager) Deliver(ctx context.Context, job types.JobMessage, p retry.Policy, opts ...retry.Option) (*types.DeliveryResult, error) {
	opts = append([]retry.Option{retry.WithOnRetry(func(attempt int, err error, next time.Duration) {
		m.logger.Warn("delivery attempt failed; retrying",
			"notification_id", job.NotificationID, "attempt", attempt, "next_in", next.String(), "error", err)
	})}, opts...)

	res, err := retry.DoValue(ctx, p, func(ctx context.Context, _ int) (*types.DeliveryResult, error) {
		return m.Attempt(ctx, job)
	}, opts...)
	if err != nil {
		if job.NotificationID != "" {
			if merr := m.MarkFailed(context.WithoutCancel(ctx), job.NotificationID, err); merr != nil {
				m.logger.Error("failed to mark notification failed", "notification_id", job.NotificationID, "error", merr)
			}
		}
		return nil, err
	}
	return res, nil
}

// MarkFailed records a terminal delivery failure.
func (m *DeliveryManager) MarkFailed(ctx context.Context, id string, cause error) error {
	reason := "delivery failed"
	if cause != nil {
		reason = cause.Error()
	}
	return m.repo.UpdateNotificationStatus(ctx, id, types.StatusFailed, reason)
}

// MarkDeadLettered records that the broker gave up on the job. A record
// still pending is moved to failed first, so the recorded history is
// pending -> failed -> dead_lettered.
func (m *DeliveryManager) MarkDeadLettered(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "dead-lettered"
	}
	n, err := m.repo.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.Status == types.StatusPending {
		if err := m.repo.UpdateNotificationStatus(ctx, id, types.StatusFailed, reason); err != nil {
			return fmt.Errorf("mark failed before dead-letter: %w", err)
		}
	}
	return m.repo.UpdateNotificationStatus(ctx, id, types.StatusDeadLettered, reason)
}

// Resume moves a replayed dead-lettered notification back to pending.
func (m *DeliveryManager) Resume(ctx context.Context, id string) error {
	return m.repo.UpdateNotificationStatus(ctx, id, types.StatusPending, "")
}

// Lookup fetches the notification record behind a job.
func (m *DeliveryManager) Lookup(ctx context.Context, id string) (*types.Notification, error) {
	return m.repo.GetNotification(ctx, id)
}
