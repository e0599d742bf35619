// Package store persists notification jobs and device-token subscriptions.
//
// Implementations: MemoryStore (tests, single-process demos), SQLiteStore
// (embedded durable store) and PostgresStore (production). The driver is
// chosen once at startup by New.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pushpipe/internal/types"
)

// Store is the notification store contract.
type Store interface {
	// CreateNotification assigns an ID, sets status pending and timestamps,
	// and returns the stored record.
	CreateNotification(ctx context.Context, n *types.Notification) (*types.Notification, error)
	GetNotification(ctx context.Context, id string) (*types.Notification, error)
	// UpdateNotificationStatus applies a legal status transition. An empty
	// lastError leaves the stored error untouched.
	UpdateNotificationStatus(ctx context.Context, id string, status types.NotificationStatus, lastError string) error
	// RecordAttempt increments the attempt counter and returns the new value.
	RecordAttempt(ctx context.Context, id string) (int, error)
	GetUserNotifications(ctx context.Context, userID string, opts types.ListOptions) (*types.NotificationPage, error)
	MarkAsRead(ctx context.Context, id, userID string) (*types.Notification, error)
	DeleteNotification(ctx context.Context, id, userID string) (bool, error)
	GetNotificationStats(ctx context.Context, userID string) (*types.NotificationStats, error)
	CleanupOldNotifications(ctx context.Context, daysOld int) (int64, error)

	// UpsertSubscription registers (userID, token), reactivating it if it
	// exists. It is atomic; concurrent calls never create duplicates.
	UpsertSubscription(ctx context.Context, userID, token string, deviceType types.DeviceType) (*types.DeviceToken, error)
	// DeleteSubscription deactivates every active row for token. It reports
	// whether anything was deactivated.
	DeleteSubscription(ctx context.Context, token string) (bool, error)
	GetUserTokens(ctx context.Context, userID string) ([]types.DeviceToken, error)
	DeactivateTokens(ctx context.Context, tokens []string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

var (
	errNotFound = errors.New("not found")
	errConflict = errors.New("illegal status transition")
)

func notificationNotFound(id string) error {
	return types.NewAppError(types.ErrCodeNotFoundNotification, fmt.Sprintf("notification %s not found", id), errNotFound)
}

func transitionConflict(id string, from, to types.NotificationStatus) error {
	return types.NewAppErrorWithDetails(types.ErrCodeConflictConcurrent,
		fmt.Sprintf("notification %s cannot move from %s to %s", id, from, to), errConflict,
		map[string]any{"from": from, "to": to})
}

// IsNotFound reports whether err is a store not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}

// cutoff returns the retention boundary for daysOld.
func cutoff(now time.Time, daysOld int) time.Time {
	return now.Add(-time.Duration(daysOld) * 24 * time.Hour)
}

func validateDays(daysOld int) error {
	if daysOld < 1 {
		return types.NewAppError(types.ErrCodeValidationInvalidField, "daysOld must be at least 1", nil)
	}
	return nil
}

func newStats() *types.NotificationStats {
	return &types.NotificationStats{ByType: map[string]int{}, ByStatus: map[string]int{}}
}

func pageOf(items []*types.Notification, total, unread int, opts types.ListOptions) *types.NotificationPage {
	if items == nil {
		items = []*types.Notification{}
	}
	return &types.NotificationPage{
		Notifications: items,
		TotalCount:    total,
		Page:          opts.Page,
		Limit:         opts.Limit,
		HasMore:       opts.Offset()+len(items) < total,
		UnreadCount:   unread,
	}
}
