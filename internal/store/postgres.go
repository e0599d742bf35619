package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"pushpipe/internal/db"
	"pushpipe/internal/types"
)

// PostgresStore adapts the db repositories to the Store contract.
type PostgresStore struct {
	pool          *pgxpool.Pool
	notifications *db.NotificationRepository
	tokens        *db.TokenRepository
	now           func() time.Time
}

// OpenPostgres connects, migrates and returns a ready store.
func OpenPostgres(ctx context.Context, url string, opts db.PoolOptions) (*PostgresStore, error) {
	pool, err := db.NewPool(ctx, url, opts)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUnavailableStore, "postgres store unreachable", err)
	}
	if _, err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	s := NewPostgresStore(pool)
	s.pool = pool
	return s, nil
}

// NewPostgresStore wraps an existing connection without migrating.
func NewPostgresStore(conn db.DBTX) *PostgresStore {
	return &PostgresStore{
		notifications: db.NewNotificationRepository(conn),
		tokens:        db.NewTokenRepository(conn),
		now:           time.Now,
	}
}

func (s *PostgresStore) CreateNotification(ctx context.Context, n *types.Notification) (*types.Notification, error) {
	stored := *n
	stored.ID = uuid.NewString()
	stored.Status = types.StatusPending
	stored.AttemptCount = 0
	stored.Read = false
	stored.ReadAt = nil
	if err := s.notifications.Create(ctx, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *PostgresStore) GetNotification(ctx context.Context, id string) (*types.Notification, error) {
	n, err := s.notifications.GetByID(ctx, id)
	if errors.Is(err, db.ErrNoRows) {
		return nil, notificationNotFound(id)
	}
	return n, err
}

func (s *PostgresStore) UpdateNotificationStatus(ctx context.Context, id string, status types.NotificationStatus, lastError string) error {
	from := types.AllowedPredecessors(status)
	if len(from) == 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidField, fmt.Sprintf("unknown status %q", status), nil)
	}
	ok, err := s.notifications.UpdateStatus(ctx, id, status, lastError, from)
	if err != nil || ok {
		return err
	}
	current, err := s.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	return transitionConflict(id, current.Status, status)
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, id string) (int, error) {
	n, err := s.notifications.IncrementAttempts(ctx, id)
	if errors.Is(err, db.ErrNoRows) {
		return 0, notificationNotFound(id)
	}
	return n, err
}

func (s *PostgresStore) GetUserNotifications(ctx context.Context, userID string, opts types.ListOptions) (*types.NotificationPage, error) {
	opts = opts.Normalize()
	total, unread, err := s.notifications.CountByUser(ctx, userID, opts.UnreadOnly)
	if err != nil {
		return nil, err
	}
	items, err := s.notifications.ListByUser(ctx, userID, opts.UnreadOnly, opts.Limit, opts.Offset())
	if err != nil {
		return nil, err
	}
	return pageOf(items, total, unread, opts), nil
}

func (s *PostgresStore) MarkAsRead(ctx context.Context, id, userID string) (*types.Notification, error) {
	n, err := s.notifications.MarkRead(ctx, id, userID)
	if errors.Is(err, db.ErrNoRows) {
		return nil, notificationNotFound(id)
	}
	return n, err
}

func (s *PostgresStore) DeleteNotification(ctx context.Context, id, userID string) (bool, error) {
	return s.notifications.Delete(ctx, id, userID)
}

func (s *PostgresStore) GetNotificationStats(ctx context.Context, userID string) (*types.NotificationStats, error) {
	return s.notifications.Stats(ctx, userID)
}

func (s *PostgresStore) CleanupOldNotifications(ctx context.Context, daysOld int) (int64, error) {
	if err := validateDays(daysOld); err != nil {
		return 0, err
	}
	return s.notifications.DeleteCreatedBefore(ctx, cutoff(s.now().UTC(), daysOld))
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, userID, token string, deviceType types.DeviceType) (*types.DeviceToken, error) {
	return s.tokens.Upsert(ctx, uuid.NewString(), userID, token, deviceType)
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, token string) (bool, error) {
	n, err := s.tokens.Deactivate(ctx, []string{token})
	return n > 0, err
}

func (s *PostgresStore) GetUserTokens(ctx context.Context, userID string) ([]types.DeviceToken, error) {
	return s.tokens.ListActiveByUser(ctx, userID)
}

func (s *PostgresStore) DeactivateTokens(ctx context.Context, tokens []string) (int, error) {
	return s.tokens.Deactivate(ctx, tokens)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	if err := s.pool.Ping(ctx); err != nil {
		return types.NewAppError(types.ErrCodeUnavailableStore, "postgres store unreachable", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
