package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushpipe/internal/broker"
	"pushpipe/internal/queue"
	"pushpipe/internal/retry"
	"pushpipe/internal/store"
	"pushpipe/internal/types"
)

// transitionLog records every status write before passing it on.
type transitionLog struct {
	JobRepository
	mu       sync.Mutex
	statuses []types.NotificationStatus
}

func (r *transitionLog) UpdateNotificationStatus(ctx context.Context, id string, status types.NotificationStatus, lastError string) error {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
	return r.JobRepository.UpdateNotificationStatus(ctx, id, status, lastError)
}

func (r *transitionLog) seen() []types.NotificationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.NotificationStatus(nil), r.statuses...)
}

func newRedisManager(t *testing.T, queues ...types.QueueConfig) *queue.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := broker.NewRedisBroker(broker.RedisOptions{Addr: mr.Addr(), KeyPrefix: "pipeline"}, nil, broker.WithClient(client))
	m := queue.NewManager(b, queues, nil)
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Disconnect() })
	return m
}

func TestQueuedDelivery_DeadLettersAfterBackoff(t *testing.T) {
	ctx := context.Background()
	m := newRedisManager(t, types.QueueConfig{
		Name:                types.QueueEmail,
		VisibilityTimeout:   time.Minute,
		RetryThreshold:      2,
		DeadLetterThreshold: 2,
		MaxConcurrency:      1,
	})

	st := store.NewMemoryStore(nil)
	t.Cleanup(func() { _ = st.Close() })
	repo := &transitionLog{JobRepository: st}

	var (
		mu    sync.Mutex
		sends []time.Time
	)
	smtp := DelivererFunc(func(context.Context, types.JobMessage) (*types.DeliveryResult, error) {
		mu.Lock()
		sends = append(sends, time.Now())
		mu.Unlock()
		return nil, errors.New("421 service not available")
	})
	h := NewJobHandler(NewDeliveryManager(repo, Channels{types.ChannelEmail: smtp}, nil), nil)

	n, err := st.CreateNotification(ctx, &types.Notification{
		UserID: "42", Channel: types.ChannelEmail, Audience: types.AudienceUser, Title: "hi", Body: "there", Type: "general",
	})
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, types.QueueEmail, types.JobMessage{
		NotificationID: n.ID, Recipient: "42", Audience: types.AudienceUser, Channel: types.ChannelEmail, Title: n.Title, Body: n.Body,
	})
	require.NoError(t, err)

	base := 30 * time.Millisecond
	pool := queue.NewConsumerPool(m, h, nil, nil, queue.PoolOptions{
		PollInterval: 2 * time.Millisecond,
		ReapInterval: time.Hour,
		Redelivery:   retry.Policy{BaseDelay: base},
	})
	require.NoError(t, pool.Start(ctx))
	require.Eventually(t, func() bool {
		got, err := st.GetNotification(ctx, n.ID)
		return err == nil && got.Status == types.StatusDeadLettered
	}, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))

	got, err := st.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeadLettered, got.Status)
	assert.GreaterOrEqual(t, got.AttemptCount, 2)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Equal(t, "421 service not available", got.LastError)

	statuses := repo.seen()
	require.GreaterOrEqual(t, len(statuses), 2)
	assert.Equal(t, []types.NotificationStatus{types.StatusFailed, types.StatusDeadLettered}, statuses[len(statuses)-2:])

	mu.Lock()
	defer mu.Unlock()
	// Parked 30ms then 60ms; parking deadlines have millisecond resolution.
	require.Len(t, sends, 3)
	assert.GreaterOrEqual(t, sends[1].Sub(sends[0]), base-time.Millisecond)
	assert.GreaterOrEqual(t, sends[2].Sub(sends[1]), 2*base-time.Millisecond)

	size, err := m.Size(ctx, types.QueueEmail)
	require.NoError(t, err)
	assert.Zero(t, size)
	dead, err := m.DeadLetters(ctx, types.QueueEmail, 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestMarkDeadLettered_Transitions(t *testing.T) {
	ctx := context.Background()

	t.Run("pending passes through failed", func(t *testing.T) {
		f := newFixture(t)
		job := f.create(t, types.ChannelEmail)
		repo := &transitionLog{JobRepository: f.store}
		dm := NewDeliveryManager(repo, Channels{}, nil)

		require.NoError(t, dm.MarkDeadLettered(ctx, job.NotificationID, "failure threshold exceeded"))
		assert.Equal(t, []types.NotificationStatus{types.StatusFailed, types.StatusDeadLettered}, repo.seen())
		n := f.status(t, job.NotificationID)
		assert.Equal(t, types.StatusDeadLettered, n.Status)
		assert.Equal(t, "failure threshold exceeded", n.LastError)
	})

	t.Run("failed goes straight to dead_lettered", func(t *testing.T) {
		f := newFixture(t)
		job := f.create(t, types.ChannelEmail)
		require.NoError(t, f.manager.MarkFailed(ctx, job.NotificationID, errors.New("rejected")))
		repo := &transitionLog{JobRepository: f.store}
		dm := NewDeliveryManager(repo, Channels{}, nil)

		require.NoError(t, dm.MarkDeadLettered(ctx, job.NotificationID, ""))
		assert.Equal(t, []types.NotificationStatus{types.StatusDeadLettered}, repo.seen())
		assert.Equal(t, "dead-lettered", f.status(t, job.NotificationID).LastError)
	})

	t.Run("missing notification", func(t *testing.T) {
		f := newFixture(t)
		err := f.manager.MarkDeadLettered(ctx, "gone", "x")
		assert.Equal(t, types.ErrCodeNotFoundNotification, types.CodeOf(err))
	})
}
