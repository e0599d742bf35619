package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure Go driver

	"pushpipe/internal/types"
)

//go:embed migrations/*.sql
var sqliteMigrations embed.FS

const sqliteNotificationColumns = `id, user_id, audience, channel, type, title, body, data,
	status, attempt_count, queue_name, last_error, read, created_at, updated_at, read_at`

// SQLiteStore is a single-file durable store. Timestamps are stored as
// unix nanoseconds so ordering and retention comparisons are numeric.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string, now func() time.Time) (*SQLiteStore, error) {
	if now == nil {
		now = time.Now
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; one connection avoids SQLITE_BUSY and keeps a
	// ":memory:" database alive for the life of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %q: %w", p, err)
		}
	}
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: now}, nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := fs.ReadDir(sqliteMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		prefix, _, _ := strings.Cut(e.Name(), "_")
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return fmt.Errorf("migration %q: bad version: %w", e.Name(), err)
		}
		if version <= current {
			continue
		}
		body, err := fs.ReadFile(sqliteMigrations, "migrations/"+e.Name())
		if err != nil {
			return err
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", e.Name(), err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, time.Now().UnixNano()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", e.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func dbErr(msg string, err error) error {
	return types.NewAppError(types.ErrCodeInternalDB, msg, err)
}

func (s *SQLiteStore) stamp() int64 { return s.now().UTC().UnixNano() }

func (s *SQLiteStore) CreateNotification(ctx context.Context, n *types.Notification) (*types.Notification, error) {
	data := []byte("{}")
	if n.Data != nil {
		var err error
		if data, err = json.Marshal(n.Data); err != nil {
			return nil, dbErr("failed to encode notification data", err)
		}
	}
	id := uuid.NewString()
	ts := s.stamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications
		 (id, user_id, audience, channel, type, title, body, data, status, queue_name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, n.UserID, string(n.Audience), string(n.Channel), n.Type, n.Title, n.Body,
		string(data), string(types.StatusPending), n.QueueName, ts, ts,
	)
	if err != nil {
		return nil, dbErr("failed to create notification", err)
	}
	return s.GetNotification(ctx, id)
}

func (s *SQLiteStore) GetNotification(ctx context.Context, id string) (*types.Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteNotificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanSQLiteNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notificationNotFound(id)
	}
	if err != nil {
		return nil, dbErr("failed to get notification", err)
	}
	return n, nil
}

func (s *SQLiteStore) UpdateNotificationStatus(ctx context.Context, id string, status types.NotificationStatus, lastError string) error {
	from := types.AllowedPredecessors(status)
	if len(from) == 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidField, fmt.Sprintf("unknown status %q", status), nil)
	}
	args := []any{string(status), lastError, lastError, s.stamp(), id}
	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications
		 SET status = ?, last_error = CASE WHEN ? = '' THEN last_error ELSE ? END, updated_at = ?
		 WHERE id = ? AND status IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return dbErr("failed to update notification status", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	current, err := s.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	return transitionConflict(id, current.Status, status)
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE notifications SET attempt_count = attempt_count + 1, updated_at = ?
		 WHERE id = ? RETURNING attempt_count`, s.stamp(), id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notificationNotFound(id)
	}
	if err != nil {
		return 0, dbErr("failed to record attempt", err)
	}
	return count, nil
}

func (s *SQLiteStore) GetUserNotifications(ctx context.Context, userID string, opts types.ListOptions) (*types.NotificationPage, error) {
	opts = opts.Normalize()
	var total, unread int
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN ? = 0 OR read = 0 THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN read = 0 THEN 1 ELSE 0 END), 0)
		 FROM notifications WHERE user_id = ?`, opts.UnreadOnly, userID).Scan(&total, &unread)
	if err != nil {
		return nil, dbErr("failed to count notifications", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteNotificationColumns+` FROM notifications
		 WHERE user_id = ? AND (? = 0 OR read = 0)
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, opts.UnreadOnly, opts.Limit, opts.Offset())
	if err != nil {
		return nil, dbErr("failed to list notifications", err)
	}
	defer rows.Close()

	var items []*types.Notification
	for rows.Next() {
		n, err := scanSQLiteNotification(rows)
		if err != nil {
			return nil, dbErr("failed to scan notification row", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("error iterating notification rows", err)
	}
	return pageOf(items, total, unread, opts), nil
}

func (s *SQLiteStore) MarkAsRead(ctx context.Context, id, userID string) (*types.Notification, error) {
	ts := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = 1, read_at = COALESCE(read_at, ?), updated_at = ?
		 WHERE id = ? AND user_id = ?`, ts, ts, id, userID)
	if err != nil {
		return nil, dbErr("failed to mark notification read", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, notificationNotFound(id)
	}
	return s.GetNotification(ctx, id)
}

func (s *SQLiteStore) DeleteNotification(ctx context.Context, id, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, dbErr("failed to delete notification", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *SQLiteStore) GetNotificationStats(ctx context.Context, userID string) (*types.NotificationStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, status, read, COUNT(*) FROM notifications
		 WHERE user_id = ? GROUP BY type, status, read`, userID)
	if err != nil {
		return nil, dbErr("failed to aggregate notifications", err)
	}
	defer rows.Close()

	st := newStats()
	for rows.Next() {
		var (
			typ, status string
			read        bool
			count       int
		)
		if err := rows.Scan(&typ, &status, &read, &count); err != nil {
			return nil, dbErr("failed to scan stats row", err)
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
		return nil, dbErr("error iterating stats rows", err)
	}
	return st, nil
}

func (s *SQLiteStore) CleanupOldNotifications(ctx context.Context, daysOld int) (int64, error) {
	if err := validateDays(daysOld); err != nil {
		return 0, err
	}
	before := cutoff(s.now().UTC(), daysOld).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE created_at < ?`, before)
	if err != nil {
		return 0, dbErr("failed to delete old notifications", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) UpsertSubscription(ctx context.Context, userID, token string, deviceType types.DeviceType) (*types.DeviceToken, error) {
	ts := s.stamp()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO device_tokens (id, user_id, token, device_type, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (user_id, token) DO UPDATE
		 SET device_type = excluded.device_type, active = 1, updated_at = excluded.updated_at
		 RETURNING id, user_id, token, device_type, active, created_at, updated_at`,
		uuid.NewString(), userID, token, string(deviceType), ts, ts)
	t, err := scanSQLiteToken(row)
	if err != nil {
		return nil, dbErr("failed to upsert device token", err)
	}
	return t, nil
}

func (s *SQLiteStore) DeleteSubscription(ctx context.Context, token string) (bool, error) {
	n, err := s.DeactivateTokens(ctx, []string{token})
	return n > 0, err
}

func (s *SQLiteStore) GetUserTokens(ctx context.Context, userID string) ([]types.DeviceToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, token, device_type, active, created_at, updated_at
		 FROM device_tokens WHERE user_id = ? AND active = 1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, dbErr("failed to list device tokens", err)
	}
	defer rows.Close()

	var out []types.DeviceToken
	for rows.Next() {
		t, err := scanSQLiteToken(rows)
		if err != nil {
			return nil, dbErr("failed to scan device token", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("error iterating device tokens", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeactivateTokens(ctx context.Context, tokens []string) (int, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	args := []any{s.stamp()}
	placeholders := make([]string, len(tokens))
	for i, t := range tokens {
		placeholders[i] = "?"
		args = append(args, t)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_tokens SET active = 0, updated_at = ?
		 WHERE active = 1 AND token IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return 0, dbErr("failed to deactivate device tokens", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return types.NewAppError(types.ErrCodeUnavailableStore, "sqlite store unreachable", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteNotification(row scanner) (*types.Notification, error) {
	var (
		n                         types.Notification
		audience, channel, status string
		data                      string
		created, updated          int64
		readAt                    sql.NullInt64
	)
	err := row.Scan(&n.ID, &n.UserID, &audience, &channel, &n.Type, &n.Title, &n.Body, &data,
		&status, &n.AttemptCount, &n.QueueName, &n.LastError, &n.Read, &created, &updated, &readAt)
	if err != nil {
		return nil, err
	}
	n.Audience = types.Audience(audience)
	n.Channel = types.Channel(channel)
	n.Status = types.NotificationStatus(status)
	n.CreatedAt = time.Unix(0, created).UTC()
	n.UpdatedAt = time.Unix(0, updated).UTC()
	if readAt.Valid {
		t := time.Unix(0, readAt.Int64).UTC()
		n.ReadAt = &t
	}
	if data != "" && data != "{}" {
		if err := json.Unmarshal([]byte(data), &n.Data); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
	}
	return &n, nil
}

func scanSQLiteToken(row scanner) (*types.DeviceToken, error) {
	var (
		t                types.DeviceToken
		deviceType       string
		created, updated int64
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Token, &deviceType, &t.Active, &created, &updated); err != nil {
		return nil, err
	}
	t.DeviceType = types.DeviceType(deviceType)
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	return &t, nil
}
