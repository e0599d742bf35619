package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"pushpipe/internal/types"
)

const tokenColumns = `id, user_id, token, device_type, active, created_at, updated_at`

// TokenRepository provides data access for the device_tokens table.
type TokenRepository struct {
	db DBTX
}

func NewTokenRepository(db DBTX) *TokenRepository {
	return &TokenRepository{db: db}
}

// Upsert inserts (userID, token) or reactivates the existing row. The
// unique constraint on (user_id, token) makes concurrent upserts converge
// on one row; id is used only when inserting.
func (r *TokenRepository) Upsert(ctx context.Context, id, userID, token string, deviceType types.DeviceType) (*types.DeviceToken, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO device_tokens (id, user_id, token, device_type, active)
		 VALUES ($1, $2, $3, $4, TRUE)
		 ON CONFLICT (user_id, token) DO UPDATE
		 SET device_type = EXCLUDED.device_type, active = TRUE, updated_at = NOW()
		 RETURNING `+tokenColumns,
		id, userID, token, string(deviceType),
	)
	t, err := scanToken(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert device token", err)
	}
	return t, nil
}

// ListActiveByUser returns a user's active tokens, oldest first.
func (r *TokenRepository) ListActiveByUser(ctx context.Context, userID string) ([]types.DeviceToken, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+tokenColumns+` FROM device_tokens
		 WHERE user_id = $1 AND active ORDER BY created_at`, userID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list device tokens", err)
	}
	defer rows.Close()

	var out []types.DeviceToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan device token", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating device tokens", err)
	}
	return out, nil
}

// Deactivate marks every active row holding one of tokens inactive and
// returns the number of rows changed.
func (r *TokenRepository) Deactivate(ctx context.Context, tokens []string) (int, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE device_tokens SET active = FALSE, updated_at = NOW()
		 WHERE token = ANY($1) AND active`, tokens)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate device tokens", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanToken(row pgx.Row) (*types.DeviceToken, error) {
	var (
		t          types.DeviceToken
		deviceType string
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Token, &deviceType, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.DeviceType = types.DeviceType(deviceType)
	return &t, nil
}
