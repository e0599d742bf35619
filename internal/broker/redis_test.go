package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushpipe/internal/types"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var testQueues = []types.QueueConfig{
	{Name: types.QueueEmail, VisibilityTimeout: 60 * time.Second, RetryThreshold: 2, DeadLetterThreshold: 3, MaxConcurrency: 5},
	{Name: types.QueueNotification, VisibilityTimeout: 30 * time.Second, RetryThreshold: 5, DeadLetterThreshold: 5, MaxConcurrency: 10},
}

func newTestBroker(t *testing.T) (*RedisBroker, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := NewRedisBroker(RedisOptions{Addr: mr.Addr(), KeyPrefix: "test"}, nil, WithClient(client), WithClock(clock.Now))
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.InitializeQueues(ctx, testQueues))
	return b, clock, mr
}

func TestRedisBroker_EnqueueConsumeAck(t *testing.T) {
	b, clock, _ := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, types.QueueNotification, []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msg, err := b.Consume(ctx, types.QueueNotification)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, `{"n":1}`, string(msg.Body))
	assert.Equal(t, 1, msg.ReceiveCount)
	assert.Equal(t, 0, msg.Failures)
	assert.Equal(t, clock.Now(), msg.EnqueuedAt)

	// Leased messages are invisible but still counted.
	next, err := b.Consume(ctx, types.QueueNotification)
	require.NoError(t, err)
	assert.Nil(t, next)
	size, err := b.Size(ctx, types.QueueNotification)
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)

	require.NoError(t, b.Ack(ctx, types.QueueNotification, msg.Receipt))
	size, err = b.Size(ctx, types.QueueNotification)
	require.NoError(t, err)
	assert.EqualValues(t, 0, size)
}

func TestRedisBroker_AckIsIdempotent(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, types.QueueNotification, []byte("x"))
	require.NoError(t, err)
	msg, err := b.Consume(ctx, types.QueueNotification)
	require.NoError(t, err)

	require.NoError(t, b.Ack(ctx, types.QueueNotification, msg.Receipt))
	assert.NoError(t, b.Ack(ctx, types.QueueNotification, msg.Receipt))
	assert.NoError(t, b.Ack(ctx, types.QueueNotification, "does-not-exist:1"))
	assert.NoError(t, b.Ack(ctx, types.QueueNotification, "garbage"))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats[types.QueueNotification].TotalAcked)
}

func TestRedisBroker_FIFO(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		_, err := b.Enqueue(ctx, types.QueueNotification, []byte(body))
		require.NoError(t, err)
	}
	var got []string
	for {
		msg, err := b.Consume(ctx, types.QueueNotification)
		require.NoError(t, err)
		if msg == nil {
			break
		}
		got = append(got, string(msg.Body))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestRedisBroker_NackRedeliversThenDeadLetters(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	// email-queue: retryThreshold=2, so the third nack dead-letters.
	for i := 0; i < 3; i++ {
		_, err := b.Enqueue(ctx, types.QueueEmail, []byte("job"))
		require.NoError(t, err)
	}

	deadLettered := 0
	for round := 1; round <= 3; round++ {
		for i := 0; i < 3; i++ {
			msg, err := b.Consume(ctx, types.QueueEmail)
			require.NoError(t, err)
			require.NotNil(t, msg, "round %d message %d", round, i)
			assert.Equal(t, round, msg.ReceiveCount)

			out, err := b.Nack(ctx, types.QueueEmail, msg.Receipt, 0)
			require.NoError(t, err)
			assert.Equal(t, round, out.Failures)
			if out.DeadLettered {
				deadLettered++
			}
		}
	}
	assert.Equal(t, 3, deadLettered)

	size, err := b.Size(ctx, types.QueueEmail)
	require.NoError(t, err)
	assert.EqualValues(t, 0, size)

	dlqSize, err := b.Size(ctx, types.DeadLetterQueueName(types.QueueEmail))
	require.NoError(t, err)
	assert.EqualValues(t, 3, dlqSize)

	dead, err := b.DeadLetters(ctx, types.QueueEmail, 10)
	require.NoError(t, err)
	require.Len(t, dead, 3)
	assert.Equal(t, 3, dead[0].Failures)
	assert.Equal(t, "email-queue.dlq", dead[0].Queue)
}

func TestRedisBroker_NackStaleReceipt(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, types.QueueNotification, []byte("x"))
	require.NoError(t, err)
	msg, err := b.Consume(ctx, types.QueueNotification)
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, types.QueueNotification, msg.Receipt))

	out, err := b.Nack(ctx, types.QueueNotification, msg.Receipt, 0)
	require.NoError(t, err)
	assert.True(t, out.Stale)
}

func TestRedisBroker_NackDelaysRedelivery(t *testing.T) {
	b, clock, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, types.QueueEmail, []byte("x"))
	require.NoError(t, err)
	msg, err := b.Consume(ctx, types.QueueEmail)
	require.NoError(t, err)

	out, err := b.Nack(ctx, types.QueueEmail, msg.Receipt, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Failures)
	assert.False(t, out.DeadLettered)

	empty, err := b.Consume(ctx, types.QueueEmail)
	require.NoError(t, err)
	assert.Nil(t, empty, "parked until the delay elapses")

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats[types.QueueEmail].Delayed)
	assert.Zero(t, stats[types.QueueEmail].Ready)
	size, err := b.Size(ctx, types.QueueEmail)
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)

	clock.Advance(1999 * time.Millisecond)
	empty, err = b.Consume(ctx, types.QueueEmail)
	require.NoError(t, err)
	assert.Nil(t, empty)

	clock.Advance(time.Millisecond)
	again, err := b.Consume(ctx, types.QueueEmail)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, msg.ID, again.ID)
	assert.Equal(t, 2, again.ReceiveCount)
	assert.Equal(t, 1, again.Failures)

	// Purge reaches parked messages too.
	_, err = b.Nack(ctx, types.QueueEmail, again.Receipt, time.Minute)
	require.NoError(t, err)
	removed, err := b.Purge(ctx, types.QueueEmail)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
	size, err = b.Size(ctx, types.QueueEmail)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestRedisBroker_ReclaimExpiredLeases(t *testing.T) {
	b, clock, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, types.QueueNotification, []byte("x"))
	require.NoError(t, err)

	// Each expiry makes the message visible exactly once more.
	var receipts []string
	for expiry := 1; expiry <= 3; expiry++ {
		msg, err := b.Consume(ctx, types.QueueNotification)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, expiry, msg.ReceiveCount)
		receipts = append(receipts, msg.Receipt)

		// Not yet expired.
		res, err := b.Reclaim(ctx, types.QueueNotification)
		require.NoError(t, err)
		assert.Zero(t, res.Requeued)

		clock.Advance(31 * time.Second)
		res, err = b.Reclaim(ctx, types.QueueNotification)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Requeued)
	}

	// A consumer holding an expired lease cannot ack the current one.
	msg, err := b.Consume(ctx, types.QueueNotification)
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, types.QueueNotification, receipts[0]))
	size, err := b.Size(ctx, types.QueueNotification)
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)

	require.NoError(t, b.Ack(ctx, types.QueueNotification, msg.Receipt))
	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats[types.QueueNotification].TotalReclaimed)
}

func TestRedisBroker_ReclaimDeadLettersPastThreshold(t *testing.T) {
	b, clock, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, types.QueueEmail, []byte(`{"notification_id":"n-1"}`))
	require.NoError(t, err)

	var last ReclaimResult
	for i := 0; i < 3; i++ {
		msg, err := b.Consume(ctx, types.QueueEmail)
		require.NoError(t, err)
		require.NotNil(t, msg)
		clock.Advance(61 * time.Second)
		last, err = b.Reclaim(ctx, types.QueueEmail)
		require.NoError(t, err)
	}
	require.Len(t, last.DeadLettered, 1)
	assert.Equal(t, `{"notification_id":"n-1"}`, string(last.DeadLettered[0].Body))
	assert.Zero(t, last.Requeued)
}

func TestRedisBroker_ReplayAndPurge(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, types.QueueEmail, []byte("x"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		msg, err := b.Consume(ctx, types.QueueEmail)
		require.NoError(t, err)
		_, err = b.Nack(ctx, types.QueueEmail, msg.Receipt, 0)
		require.NoError(t, err)
	}

	n, err := b.Replay(ctx, types.QueueEmail)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg, err := b.Consume(ctx, types.QueueEmail)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 0, msg.Failures)

	_, err = b.Enqueue(ctx, types.QueueEmail, []byte("y"))
	require.NoError(t, err)
	removed, err := b.Purge(ctx, types.QueueEmail)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	size, err := b.Size(ctx, types.QueueEmail)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestRedisBroker_UnknownQueue(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "sms-queue", []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownQueue)

	_, err = b.Enqueue(ctx, "email-queue.dlq", []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownQueue)
}

func TestRedisBroker_Unavailable(t *testing.T) {
	b := NewRedisBroker(RedisOptions{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond}, nil)
	ctx := context.Background()

	err := b.Connect(ctx)
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.False(t, b.Connected())

	_, err = b.Enqueue(ctx, types.QueueEmail, []byte("x"))
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	_, err = b.Stats(ctx)
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.NoError(t, b.Close())
}

func TestRedisBroker_ConnectCloseIdempotent(t *testing.T) {
	b, _, mr := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.Ping(ctx))
	assert.True(t, mr.Exists("test:queues"))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Ping(ctx), ErrBrokerUnavailable)
}

func TestRedisBroker_ConcurrentConsumersNeverShareALease(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()
	const total = 50
	for i := 0; i < total; i++ {
		_, err := b.Enqueue(ctx, types.QueueNotification, []byte("x"))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := b.Consume(ctx, types.QueueNotification)
				if err != nil || msg == nil {
					return
				}
				mu.Lock()
				seen[msg.ID]++
				mu.Unlock()
				_ = b.Ack(ctx, types.QueueNotification, msg.Receipt)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}
