package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushpipe/internal/metrics"
	"pushpipe/internal/push"
	"pushpipe/internal/queue"
	"pushpipe/internal/retry"
	"pushpipe/internal/store"
	"pushpipe/internal/types"
)

var errFlaky = errors.New("provider hiccup")

// scripted returns queued errors in order and succeeds once they run out.
type scripted struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scripted) Deliver(_ context.Context, job types.JobMessage) (*types.DeliveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return &types.DeliveryResult{Success: true, MessageID: "m-" + job.NotificationID, DeliveredCount: 1}, nil
}

type countingRecorder struct {
	metrics.Noop
	mu      sync.Mutex
	results map[metrics.Result]int
}

func (r *countingRecorder) RecordDelivery(_ context.Context, _ string, res metrics.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = map[metrics.Result]int{}
	}
	r.results[res]++
}

func noSleep(context.Context, time.Duration) error { return nil }

type fixture struct {
	store   *store.MemoryStore
	channel *scripted
	rec     *countingRecorder
	manager *DeliveryManager
}

func newFixture(t *testing.T, errs ...error) *fixture {
	t.Helper()
	st := store.NewMemoryStore(nil)
	t.Cleanup(func() { _ = st.Close() })
	f := &fixture{store: st, channel: &scripted{errs: errs}, rec: &countingRecorder{}}
	f.manager = NewDeliveryManager(st, Channels{
		types.ChannelEmail: f.channel,
		types.ChannelPush:  NewPushDeliverer(push.NewSimulatedGateway(st, nil)),
	}, nil, WithMetrics(f.rec))
	return f
}

func (f *fixture) create(t *testing.T, ch types.Channel) types.JobMessage {
	t.Helper()
	n, err := f.store.CreateNotification(context.Background(), &types.Notification{
		UserID: "42", Channel: ch, Audience: types.AudienceUser, Title: "hi", Body: "there", Type: "general",
	})
	require.NoError(t, err)
	return types.JobMessage{
		NotificationID: n.ID, Recipient: "42", Audience: types.AudienceUser, Channel: ch, Title: n.Title, Body: n.Body,
	}
}

func (f *fixture) status(t *testing.T, id string) *types.Notification {
	t.Helper()
	n, err := f.store.GetNotification(context.Background(), id)
	require.NoError(t, err)
	return n
}

func TestAttempt_Success(t *testing.T) {
	f := newFixture(t)
	job := f.create(t, types.ChannelEmail)

	res, err := f.manager.Attempt(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, res.Success)

	n := f.status(t, job.NotificationID)
	assert.Equal(t, types.StatusSent, n.Status)
	assert.Equal(t, 1, n.AttemptCount)
	assert.Equal(t, 1, f.rec.results[metrics.ResultSuccess])
}

func TestAttempt_TransientKeepsPending(t *testing.T) {
	f := newFixture(t, errFlaky)
	job := f.create(t, types.ChannelEmail)

	_, err := f.manager.Attempt(context.Background(), job)
	require.ErrorIs(t, err, errFlaky)

	n := f.status(t, job.NotificationID)
	assert.Equal(t, types.StatusPending, n.Status)
	assert.Equal(t, "provider hiccup", n.LastError)
	assert.Equal(t, 1, f.rec.results[metrics.ResultRetried])
}

func TestAttempt_UnknownChannel(t *testing.T) {
	f := newFixture(t)
	job := f.create(t, types.ChannelChat)

	_, err := f.manager.Attempt(context.Background(), job)
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}

func TestAttempt_MissingNotification(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Attempt(context.Background(), types.JobMessage{NotificationID: "nope", Channel: types.ChannelEmail})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, 0, f.channel.calls)
}

func TestAttempt_PushWithoutTokens(t *testing.T) {
	f := newFixture(t)
	job := f.create(t, types.ChannelPush)

	_, err := f.manager.Attempt(context.Background(), job)
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, types.ErrCodeNotFoundDeliveryTarget, types.CodeOf(err))
	assert.Equal(t, 1, f.rec.results[metrics.ResultNoTarget])
}

func TestAttempt_SimulatedPushMarksSent(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.UpsertSubscription(context.Background(), "42", "tok-a", types.DeviceAndroid)
	require.NoError(t, err)
	job := f.create(t, types.ChannelPush)

	res, err := f.manager.Attempt(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Simulation)
	assert.Equal(t, types.StatusSent, f.status(t, job.NotificationID).Status)
}

func TestAttempt_TopicSkipsTokens(t *testing.T) {
	f := newFixture(t)
	job := f.create(t, types.ChannelPush)
	job.Audience = types.AudienceTopic
	job.Recipient = "news"

	res, err := f.manager.Attempt(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeliveredCount)
}

func TestDeliver_RetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, errFlaky, errFlaky)
	job := f.create(t, types.ChannelEmail)

	res, err := f.manager.Deliver(context.Background(), job,
		retry.Policy{MaxAttempts: 3, BaseDelay: time.Second}, retry.WithSleepFunc(noSleep))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, f.channel.calls)

	n := f.status(t, job.NotificationID)
	assert.Equal(t, types.StatusSent, n.Status)
	assert.Equal(t, 3, n.AttemptCount)
}

func TestDeliver_ExhaustedMarksFailed(t *testing.T) {
	f := newFixture(t, errFlaky, errFlaky, errFlaky)
	job := f.create(t, types.ChannelEmail)

	_, err := f.manager.Deliver(context.Background(), job,
		retry.Policy{MaxAttempts: 3, BaseDelay: time.Second}, retry.WithSleepFunc(noSleep))
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	n := f.status(t, job.NotificationID)
	assert.Equal(t, types.StatusFailed, n.Status)
	assert.Equal(t, 3, n.AttemptCount)
	assert.Contains(t, n.LastError, "provider hiccup")
}

func TestDeliver_PermanentStopsEarly(t *testing.T) {
	f := newFixture(t, retry.Permanent(errors.New("bad address")))
	job := f.create(t, types.ChannelEmail)

	_, err := f.manager.Deliver(context.Background(), job,
		retry.Policy{MaxAttempts: 3, BaseDelay: time.Second}, retry.WithSleepFunc(noSleep))
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, 1, f.channel.calls)
	assert.Equal(t, types.StatusFailed, f.status(t, job.NotificationID).Status)
}

func TestJobHandler(t *testing.T) {
	d := queue.Delivery{MessageID: "msg-1", Queue: types.QueueEmail, ReceiveCount: 1}

	t.Run("delivers and acks", func(t *testing.T) {
		f := newFixture(t)
		h := NewJobHandler(f.manager, nil)
		job := f.create(t, types.ChannelEmail)

		require.NoError(t, h.Handle(context.Background(), job, d))
		assert.Equal(t, types.StatusSent, f.status(t, job.NotificationID).Status)
	})

	t.Run("transient error nacks and stays pending", func(t *testing.T) {
		f := newFixture(t, errFlaky)
		h := NewJobHandler(f.manager, nil)
		job := f.create(t, types.ChannelEmail)

		err := h.Handle(context.Background(), job, d)
		require.ErrorIs(t, err, errFlaky)
		assert.False(t, retry.IsPermanent(err))
		assert.Equal(t, types.StatusPending, f.status(t, job.NotificationID).Status)
	})

	t.Run("permanent error marks failed", func(t *testing.T) {
		f := newFixture(t, retry.Permanent(errors.New("rejected")))
		h := NewJobHandler(f.manager, nil)
		job := f.create(t, types.ChannelEmail)

		err := h.Handle(context.Background(), job, d)
		require.Error(t, err)
		assert.True(t, retry.IsPermanent(err))
		assert.Equal(t, types.StatusFailed, f.status(t, job.NotificationID).Status)
	})

	t.Run("duplicate of sent job is skipped", func(t *testing.T) {
		f := newFixture(t)
		h := NewJobHandler(f.manager, nil)
		job := f.create(t, types.ChannelEmail)
		require.NoError(t, h.Handle(context.Background(), job, d))
		require.NoError(t, h.Handle(context.Background(), job, d))
		assert.Equal(t, 1, f.channel.calls)
	})

	t.Run("test messages are acked untouched", func(t *testing.T) {
		f := newFixture(t)
		h := NewJobHandler(f.manager, nil)
		require.NoError(t, h.Handle(context.Background(), types.JobMessage{Test: true, Channel: types.ChannelEmail}, d))
		assert.Equal(t, 0, f.channel.calls)
	})

	t.Run("missing notification is dropped", func(t *testing.T) {
		f := newFixture(t)
		h := NewJobHandler(f.manager, nil)
		err := h.Handle(context.Background(), types.JobMessage{NotificationID: "gone", Channel: types.ChannelEmail}, d)
		assert.True(t, retry.IsPermanent(err))
	})

	t.Run("dead letter then replay", func(t *testing.T) {
		f := newFixture(t)
		h := NewJobHandler(f.manager, nil)
		job := f.create(t, types.ChannelEmail)

		h.DeadLettered(context.Background(), job, "failure threshold exceeded")
		n := f.status(t, job.NotificationID)
		assert.Equal(t, types.StatusDeadLettered, n.Status)
		assert.Equal(t, "failure threshold exceeded", n.LastError)

		require.NoError(t, h.Handle(context.Background(), job, d))
		assert.Equal(t, types.StatusSent, f.status(t, job.NotificationID).Status)
	})
}
