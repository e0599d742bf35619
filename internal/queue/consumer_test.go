package queue

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
	"pushpipe/internal/retry"
	"pushpipe/internal/types"
)

type recordingHandler struct {
	mu      sync.Mutex
	handled []types.JobMessage
	dead    map[string]string
	result  func(job types.JobMessage, d Delivery) error
	block   chan struct{}
}

func newRecordingHandler(result func(types.JobMessage, Delivery) error) *recordingHandler {
	return &recordingHandler{dead: map[string]string{}, result: result}
}

func (h *recordingHandler) Handle(ctx context.Context, job types.JobMessage, d Delivery) error {
	if h.block != nil {
		select {
		case <-h.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.mu.Lock()
	h.handled = append(h.handled, job)
	h.mu.Unlock()
	if h.result == nil {
		return nil
	}
	return h.result(job, d)
}

func (h *recordingHandler) DeadLettered(_ context.Context, job types.JobMessage, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dead[job.NotificationID] = reason
}

func (h *recordingHandler) handledCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func (h *recordingHandler) deadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.dead)
}

// testRedelivery is the backoff used by fastPool: 10ms, 20ms, 30ms...
var testRedelivery = retry.Policy{BaseDelay: 10 * time.Millisecond}

func fastPool(m *Manager, h Handler) *ConsumerPool {
	return NewConsumerPool(m, h, nil, nil, PoolOptions{
		PollInterval: 2 * time.Millisecond,
		ReapInterval: time.Hour,
		Redelivery:   testRedelivery,
	})
}

// newWallClockManager is newConnectedManager on real time, for tests that
// wait out redelivery delays.
func newWallClockManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := broker.NewRedisBroker(broker.RedisOptions{Addr: mr.Addr(), KeyPrefix: "qtest"}, nil, broker.WithClient(client))
	m := NewManager(b, testQueues, nil)
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Disconnect() })
	return m
}

func TestConsumerPool_AcksSuccessfulJobs(t *testing.T) {
	m, _ := newConnectedManager(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := m.Enqueue(ctx, types.QueueNotification, types.JobMessage{NotificationID: "n", Channel: types.ChannelPush})
		require.NoError(t, err)
	}

	h := newRecordingHandler(nil)
	pool := fastPool(m, h)
	require.NoError(t, pool.Start(ctx))
	require.Eventually(t, func() bool { return h.handledCount() == 5 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))

	size, err := m.Size(ctx, types.QueueNotification)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestConsumerPool_AlwaysFailingJobsDeadLetter(t *testing.T) {
	m := newWallClockManager(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Enqueue(ctx, types.QueueEmail, types.JobMessage{NotificationID: id, Channel: types.ChannelEmail})
		require.NoError(t, err)
	}

	h := newRecordingHandler(func(types.JobMessage, Delivery) error { return errors.New("smtp unavailable") })
	pool := fastPool(m, h)
	require.NoError(t, pool.Start(ctx))
	require.Eventually(t, func() bool { return h.deadCount() == 3 }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))

	// retryThreshold=2: each job is attempted three times.
	assert.Equal(t, 9, h.handledCount())
	assert.Equal(t, "smtp unavailable", h.dead["b"])
	size, err := m.Size(ctx, types.QueueEmail)
	require.NoError(t, err)
	assert.Zero(t, size)
	dead, err := m.DeadLetters(ctx, types.QueueEmail, 10)
	require.NoError(t, err)
	assert.Len(t, dead, 3)
}

func TestConsumerPool_PermanentErrorAcks(t *testing.T) {
	m, _ := newConnectedManager(t)
	ctx := context.Background()
	_, err := m.Enqueue(ctx, types.QueueNotification, types.JobMessage{NotificationID: "n1"})
	require.NoError(t, err)

	h := newRecordingHandler(func(types.JobMessage, Delivery) error {
		return retry.Permanent(errors.New("no valid tokens"))
	})
	pool := fastPool(m, h)
	require.NoError(t, pool.Start(ctx))
	require.Eventually(t, func() bool { return h.handledCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))

	size, err := m.Size(ctx, types.QueueNotification)
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.Zero(t, h.deadCount())
	assert.Equal(t, 1, h.handledCount())
}

func TestConsumerPool_DeliveryCarriesLeaseInfo(t *testing.T) {
	m := newWallClockManager(t)
	ctx := context.Background()
	_, err := m.Enqueue(ctx, types.QueueNotification, types.JobMessage{NotificationID: "n1"})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen []Delivery
	)
	h := newRecordingHandler(func(_ types.JobMessage, d Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, d)
		if len(seen) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	pool := fastPool(m, h)
	require.NoError(t, pool.Start(ctx))
	require.Eventually(t, func() bool { return h.handledCount() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen[0].ReceiveCount)
	assert.Equal(t, 0, seen[0].Failures)
	assert.Equal(t, 2, seen[1].ReceiveCount)
	assert.Equal(t, 1, seen[1].Failures)
	assert.Equal(t, types.QueueNotification, seen[1].Queue)
}

func TestConsumerPool_NackParksJobForBackoff(t *testing.T) {
	m, clock := newConnectedManager(t)
	ctx := context.Background()
	_, err := m.Enqueue(ctx, types.QueueNotification, types.JobMessage{NotificationID: "n1"})
	require.NoError(t, err)

	h := newRecordingHandler(func(_ types.JobMessage, d Delivery) error {
		if d.Failures == 0 {
			return errors.New("transient")
		}
		return nil
	})
	pool := NewConsumerPool(m, h, nil, nil, PoolOptions{
		PollInterval: 2 * time.Millisecond,
		ReapInterval: time.Hour,
		Redelivery:   retry.Policy{BaseDelay: 30 * time.Second},
	})
	require.NoError(t, pool.Start(ctx))
	defer func() { require.NoError(t, pool.Stop(time.Second)) }()

	require.Eventually(t, func() bool {
		st, err := m.GetDetailedStats(ctx)
		return err == nil && st.Queues[types.QueueNotification].Stats.Delayed == 1
	}, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return h.handledCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(29 * time.Second)
	assert.Never(t, func() bool { return h.handledCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.handledCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestConsumerPool_RedeliveryGapsFollowBackoff(t *testing.T) {
	m := newWallClockManager(t)
	ctx := context.Background()
	_, err := m.Enqueue(ctx, types.QueueEmail, types.JobMessage{NotificationID: "slow", Channel: types.ChannelEmail})
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		times []time.Time
	)
	h := newRecordingHandler(func(types.JobMessage, Delivery) error {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		return errors.New("smtp unavailable")
	})
	base := 40 * time.Millisecond
	pool := NewConsumerPool(m, h, nil, nil, PoolOptions{
		PollInterval: 2 * time.Millisecond,
		ReapInterval: time.Hour,
		Redelivery:   retry.Policy{BaseDelay: base, BackoffFactor: 2},
	})
	require.NoError(t, pool.Start(ctx))
	require.Eventually(t, func() bool { return h.deadCount() == 1 }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))

	mu.Lock()
	defer mu.Unlock()
	// retryThreshold=2: three attempts, parked 40ms then 80ms. Parking
	// deadlines have millisecond resolution.
	require.Len(t, times, 3)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), base-time.Millisecond)
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 2*base-time.Millisecond)
}

func TestConsumerPool_ReapOnceRequeuesAndDeadLetters(t *testing.T) {
	m, clock := newConnectedManager(t)
	ctx := context.Background()
	b := m.Broker()
	h := newRecordingHandler(nil)
	pool := fastPool(m, h)

	_, err := m.Enqueue(ctx, types.QueueEmail, types.JobMessage{NotificationID: "crashy", Channel: types.ChannelEmail})
	require.NoError(t, err)

	// Lease and abandon three times; each expiry counts as a failure.
	for i := 0; i < 3; i++ {
		msg, err := b.Consume(ctx, types.QueueEmail)
		require.NoError(t, err)
		require.NotNil(t, msg, "lease %d", i)
		clock.Advance(61 * time.Second)
		pool.ReapOnce(ctx)
	}

	assert.Equal(t, "lease expired", h.dead["crashy"])
	size, err := m.Size(ctx, types.QueueEmail)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestConsumerPool_StopDrainsInFlight(t *testing.T) {
	m, _ := newConnectedManager(t)
	ctx := context.Background()
	_, err := m.Enqueue(ctx, types.QueueNotification, types.JobMessage{NotificationID: "slow"})
	require.NoError(t, err)

	h := newRecordingHandler(nil)
	h.block = make(chan struct{})
	pool := fastPool(m, h)
	require.NoError(t, pool.Start(ctx))

	// Let the job get leased before stopping.
	require.Eventually(t, func() bool {
		st, err := m.GetDetailedStats(ctx)
		return err == nil && st.Queues[types.QueueNotification].Stats.InFlight == 1
	}, time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(h.block)
	}()
	require.NoError(t, pool.Stop(2*time.Second))
	assert.Equal(t, 1, h.handledCount())
}

func TestConsumerPool_StopGraceExceeded(t *testing.T) {
	m, _ := newConnectedManager(t)
	ctx := context.Background()
	_, err := m.Enqueue(ctx, types.QueueNotification, types.JobMessage{NotificationID: "stuck"})
	require.NoError(t, err)

	h := newRecordingHandler(nil)
	h.block = make(chan struct{})
	pool := fastPool(m, h)
	require.NoError(t, pool.Start(ctx))
	require.Eventually(t, func() bool {
		st, err := m.GetDetailedStats(ctx)
		return err == nil && st.Queues[types.QueueNotification].Stats.InFlight == 1
	}, time.Second, 5*time.Millisecond)

	err = pool.Stop(20 * time.Millisecond)
	assert.Error(t, err)
	// The lease is left to expire; the job still belongs to the queue.
	size, err := m.Size(ctx, types.QueueNotification)
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)
}

func TestConsumerPool_StartTwice(t *testing.T) {
	m, _ := newConnectedManager(t)
	pool := fastPool(m, newRecordingHandler(nil))
	require.NoError(t, pool.Start(context.Background()))
	assert.Error(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second))
}

func TestNewConsumerPool_DefaultRedelivery(t *testing.T) {
	m, _ := newConnectedManager(t)
	pool := NewConsumerPool(m, newRecordingHandler(nil), nil, nil, PoolOptions{})
	assert.Equal(t, DefaultRedelivery, pool.opts.Redelivery)
	assert.Equal(t, time.Second, pool.opts.Redelivery.Delay(1))
	assert.Equal(t, 4*time.Second, pool.opts.Redelivery.Delay(3))
}

func TestConsumerPool_QueueFilter(t *testing.T) {
	m, _ := newConnectedManager(t)
	pool := NewConsumerPool(m, newRecordingHandler(nil), nil, nil, PoolOptions{Queues: []string{types.QueueEmail}})
	require.Len(t, pool.queues, 1)
	assert.Equal(t, types.QueueEmail, pool.queues[0].Name)
	// The manager's own list is untouched.
	assert.Len(t, m.Queues(), 2)
}
