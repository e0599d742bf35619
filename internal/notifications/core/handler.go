package core

import (
	"context"

	"pushpipe/internal/queue"
	"pushpipe/internal/retry"
	"pushpipe/internal/types"
)

var _ queue.Handler = (*JobHandler)(nil)

// JobHandler settles leased queue jobs through a DeliveryManager.
type JobHandler struct {
	manager *DeliveryManager
	logger  types.Logger
}

func NewJobHandler(m *DeliveryManager, logger types.Logger) *JobHandler {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &JobHandler{manager: m, logger: logger}
}

// Handle makes one delivery attempt. A nil or permanent error acks the
// message; any other error nacks it.
//
// Redelivered jobs whose notification is already sent or failed are acked
// without another attempt. A dead-lettered notification seen again was
// replayed by an operator and is moved back to pending first.
func (h *JobHandler) Handle(ctx context.Context, job types.JobMessage, d queue.Delivery) error {
	log := h.logger.With("queue", d.Queue, "message_id", d.MessageID, "notification_id", job.NotificationID)

	if job.Test {
		log.Info("test message consumed", "receive_count", d.ReceiveCount)
		return nil
	}
	if job.NotificationID == "" {
		return retry.Permanent(types.NewAppError(types.ErrCodeValidationMissingField, "job has no notification_id", nil))
	}

	n, err := h.manager.Lookup(ctx, job.NotificationID)
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeNotFoundNotification {
			log.Warn("notification no longer exists; dropping job")
			return retry.Permanent(err)
		}
		return err
	}

	switch n.Status {
	case types.StatusSent, types.StatusFailed:
		log.Info("duplicate delivery skipped", "status", n.Status, "receive_count", d.ReceiveCount)
		return nil
	case types.StatusDeadLettered:
		if err := h.manager.Resume(ctx, n.ID); err != nil {
			return err
		}
		log.Info("replayed notification resumed")
	}

	res, err := h.manager.Attempt(ctx, job)
	if err == nil {
		log.Info("notification delivered", "delivered", res.DeliveredCount, "failed_tokens", res.FailedCount,
			"simulation", res.Simulation, "receive_count", d.ReceiveCount)
		return nil
	}

	if retry.IsPermanent(err) {
		if merr := h.manager.MarkFailed(ctx, job.NotificationID, err); merr != nil {
			log.Error("failed to mark notification failed", "error", merr)
			return merr
		}
		log.Warn("delivery failed permanently", "error", err)
		return err
	}

	log.Warn("delivery attempt failed", "error", err, "failures", d.Failures, "receive_count", d.ReceiveCount)
	return err
}

// DeadLettered marks the job's notification dead_lettered.
func (h *JobHandler) DeadLettered(ctx context.Context, job types.JobMessage, reason string) {
	if job.Test || job.NotificationID == "" {
		return
	}
	if err := h.manager.MarkDeadLettered(ctx, job.NotificationID, reason); err != nil {
		h.logger.Error("failed to mark notification dead-lettered", "notification_id", job.NotificationID, "error", err)
		return
	}
	h.logger.Warn("notification dead-lettered", "notification_id", job.NotificationID, "reason", reason)
}
