package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"pushpipe/internal/types"
)

// ErrNoRows is returned by single-row lookups that match nothing.
var ErrNoRows = errors.New("no rows")

const notificationColumns = `id, user_id, audience, channel, type, title, body, data,
	status, attempt_count, queue_name, last_error, read, created_at, updated_at, read_at`

// NotificationRepository provides data access for the notifications table.
type NotificationRepository struct {
	db DBTX
}

// NewNotificationRepository creates a NotificationRepository backed by the
// given connection (pool or transaction).
func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts n. The caller sets ID and Status; timestamps come from the
// database and are written back into n.
func (r *NotificationRepository) Create(ctx context.Context, n *types.Notification) error {
	data, err := marshalData(n.Data)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to encode notification data", err)
	}
	row := r.db.QueryRow(ctx,
		`INSERT INTO notifications
		 (id, user_id, audience, channel, type, title, body, data, status, queue_name)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at, updated_at`,
		n.ID, n.UserID, string(n.Audience), string(n.Channel), n.Type,
		n.Title, n.Body, data, string(n.Status), n.QueueName,
	)
	if err := row.Scan(&n.CreatedAt, &n.UpdatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create notification", err)
	}
	return nil
}

// GetByID returns ErrNoRows (wrapped) when the notification does not exist.
func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*types.Notification, error) {
	row := r.db.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get notification", err)
	}
	return n, nil
}

// UpdateStatus sets status when the current status is one of from. It
// reports whether a row changed; false means the row is missing or in a
// state outside from. An empty lastError keeps the stored value.
func (r *NotificationRepository) UpdateStatus(ctx context.Context, id string, status types.NotificationStatus, lastError string, from []types.NotificationStatus) (bool, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications
		 SET status = $2,
		     last_error = CASE WHEN $3 = '' THEN last_error ELSE $3 END,
		     updated_at = NOW()
		 WHERE id = $1 AND status = ANY($4)`,
		id, string(status), lastError, allowed,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update notification status", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementAttempts bumps attempt_count and returns the new value.
func (r *NotificationRepository) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`UPDATE notifications SET attempt_count = attempt_count + 1, updated_at = NOW()
		 WHERE id = $1 RETURNING attempt_count`, id,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoRows
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to record attempt", err)
	}
	return count, nil
}

// ListByUser returns a user's notifications newest first.
func (r *NotificationRepository) ListByUser(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]*types.Notification, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE user_id = $1 AND ($2 = FALSE OR read = FALSE)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3 OFFSET $4`,
		userID, unreadOnly, limit, offset,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list notifications", err)
	}
	defer rows.Close()

	var out []*types.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification row", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating notification rows", err)
	}
	return out, nil
}

// CountByUser returns the number of rows matching the list filter and the
// user's total unread count.
func (r *NotificationRepository) CountByUser(ctx context.Context, userID string, unreadOnly bool) (total, unread int, err error) {
	err = r.db.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE $2 = FALSE OR read = FALSE),
		   COUNT(*) FILTER (WHERE read = FALSE)
		 FROM notifications WHERE user_id = $1`,
		userID, unreadOnly,
	).Scan(&total, &unread)
	if err != nil {
		return 0, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count notifications", err)
	}
	return total, unread, nil
}

// MarkRead sets read and read_at (first read wins) for a notification owned
// by userID. Returns ErrNoRows when there is no such notification.
func (r *NotificationRepository) MarkRead(ctx context.Context, id, userID string) (*types.Notification, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE notifications
		 SET read = TRUE, read_at = COALESCE(read_at, NOW()), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+notificationColumns,
		id, userID,
	)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to mark notification read", err)
	}
	return n, nil
}

// Delete removes a notification owned by userID and reports whether a row
// was removed.
func (r *NotificationRepository) Delete(ctx context.Context, id, userID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM notifications WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to delete notification", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Stats aggregates a user's notifications by type, status and read flag.
func (r *NotificationRepository) Stats(ctx context.Context, userID string) (*types.NotificationStats, error) {
	rows, err := r.db.Query(ctx,
		`SELECT type, status, read, COUNT(*) FROM notifications
		 WHERE user_id = $1 GROUP BY type, status, read`, userID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate notifications", err)
	}
	defer rows.Close()

	st := &types.NotificationStats{ByType: map[string]int{}, ByStatus: map[string]int{}}
	for rows.Next() {
		var (
			typ, status string
			read        bool
			count       int
		)
		if err := rows.Scan(&typ, &status, &read, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan stats row", err)
		}
		st.Total += count
		if read {
			st.Read += count
		} else {
			st.Unread += count
		}
		st.ByType[typ] += count
		st.ByStatus[status] += count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating stats rows", err)
	}
	return st, nil
}

// DeleteCreatedBefore removes notifications created before cutoff.
func (r *NotificationRepository) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM notifications WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete old notifications", err)
	}
	return tag.RowsAffected(), nil
}

func scanNotification(row pgx.Row) (*types.Notification, error) {
	var (
		n                         types.Notification
		audience, channel, status string
		data                      []byte
	)
	err := row.Scan(
		&n.ID, &n.UserID, &audience, &channel, &n.Type, &n.Title, &n.Body, &data,
		&status, &n.AttemptCount, &n.QueueName, &n.LastError, &n.Read,
		&n.CreatedAt, &n.UpdatedAt, &n.ReadAt,
	)
	if err != nil {
		return nil, err
	}
	n.Audience = types.Audience(audience)
	n.Channel = types.Channel(channel)
	n.Status = types.NotificationStatus(status)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
	}
	return &n, nil
}

func marshalData(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(data)
}
