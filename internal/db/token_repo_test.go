package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pushpipe/internal/types"
)

func TestTokenRepository_Upsert(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTokenRepository(db)
	now := time.Now().UTC()
	db.On("QueryRow", mock.Anything, mock.Anything, []any{"tok_1", "42", "fcm-abc", "android"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			return assign([]any{"tok_0", "42", "fcm-abc", "android", true, now, now}, dest)
		}})

	tok, err := repo.Upsert(context.Background(), "tok_1", "42", "fcm-abc", types.DeviceAndroid)
	require.NoError(t, err)
	// Existing row keeps its original id.
	assert.Equal(t, "tok_0", tok.ID)
	assert.True(t, tok.Active)
	assert.Equal(t, types.DeviceAndroid, tok.DeviceType)
}

func TestTokenRepository_ListActiveByUser(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTokenRepository(db)
	now := time.Now().UTC()
	db.On("Query", mock.Anything, mock.Anything, []any{"42"}).Return(newMockRows([][]any{
		{"a", "42", "t1", "web", true, now, now},
		{"b", "42", "t2", "ios", true, now, now},
	}), nil)

	toks, err := repo.ListActiveByUser(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, toks, 2)
	assert.Equal(t, "t2", toks[1].Token)
}

func TestTokenRepository_Deactivate(t *testing.T) {
	t.Run("empty input skips the query", func(t *testing.T) {
		db := new(mockDBTX)
		n, err := NewTokenRepository(db).Deactivate(context.Background(), nil)
		require.NoError(t, err)
		assert.Zero(t, n)
		db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("counts rows", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", mock.Anything, mock.Anything, []any{[]string{"t1", "t2"}}).
			Return(pgconn.NewCommandTag("UPDATE 2"), nil)
		n, err := NewTokenRepository(db).Deactivate(context.Background(), []string{"t1", "t2"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("db error", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
			Return(pgconn.CommandTag{}, errors.New("boom"))
		_, err := NewTokenRepository(db).Deactivate(context.Background(), []string{"t1"})
		assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
	})
}
