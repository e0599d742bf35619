package scheduler

import (
	"context"
	"time"

	"pushpipe/internal/types"
)

// Cleaner deletes notifications older than daysOld days.
type Cleaner interface {
	CleanupOldNotifications(ctx context.Context, daysOld int) (int64, error)
}

// RetentionTask sweeps notifications older than days, every interval.
func RetentionTask(c Cleaner, days int, every time.Duration, logger types.Logger) Task {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return Task{
		Name:      TaskCleanupNotifications,
		Every:     every,
		Immediate: true,
		Run: func(ctx context.Context) error {
			n, err := c.CleanupOldNotifications(ctx, days)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("old notifications removed", "count", n, "days_old", days)
			}
			return nil
		},
	}
}
