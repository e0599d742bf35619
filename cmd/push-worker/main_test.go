package main

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushpipe/internal/metrics"
	"pushpipe/internal/queue"
	"pushpipe/internal/retry"
	"pushpipe/internal/types"
)

type scriptedJobs struct {
	results      map[string]error
	seen         []queue.Delivery
	deadLettered []string
}

func (s *scriptedJobs) Handle(_ context.Context, job types.JobMessage, d queue.Delivery) error {
	s.seen = append(s.seen, d)
	return s.results[job.NotificationID]
}

func (s *scriptedJobs) DeadLettered(_ context.Context, job types.JobMessage, _ string) {
	s.deadLettered = append(s.deadLettered, job.NotificationID)
}

const arn = "arn:aws:sqs:us-east-1:123456789012:notification-queue"

func record(t *testing.T, id, notificationID string, receives int) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(types.JobMessage{NotificationID: notificationID, Channel: types.ChannelPush})
	require.NoError(t, err)
	return events.SQSMessage{
		MessageId:      id,
		Body:           string(body),
		EventSourceARN: arn,
		Attributes: map[string]string{
			"ApproximateReceiveCount": strconv.Itoa(receives),
			"SentTimestamp":           strconv.FormatInt(time.Now().Add(-2*time.Second).UnixMilli(), 10),
		},
	}
}

func newTestHandler(jobs *scriptedJobs) *Handler {
	return NewHandler(jobs, []types.QueueConfig{
		{Name: types.QueueNotification, RetryThreshold: 3, DeadLetterThreshold: 5},
	}, nil, types.NopLogger{})
}

func TestHandle_PartialBatchFailures(t *testing.T) {
	jobs := &scriptedJobs{results: map[string]error{
		"ok":        nil,
		"permanent": retry.Permanent(errors.New("invalid recipient")),
		"transient": errors.New("provider timeout"),
	}}
	h := newTestHandler(jobs)

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		record(t, "m1", "ok", 1),
		record(t, "m2", "permanent", 1),
		record(t, "m3", "transient", 2),
		{MessageId: "m4", Body: "{not json", EventSourceARN: arn},
	}})
	require.NoError(t, err)

	require.Len(t, resp.BatchItemFailures, 2)
	assert.Equal(t, "m3", resp.BatchItemFailures[0].ItemIdentifier)
	assert.Equal(t, "m4", resp.BatchItemFailures[1].ItemIdentifier, "undecodable bodies stay on the queue")
	assert.Empty(t, jobs.deadLettered)

	require.Len(t, jobs.seen, 3)
	assert.Equal(t, types.QueueNotification, jobs.seen[2].Queue)
	assert.Equal(t, 2, jobs.seen[2].ReceiveCount)
	assert.Equal(t, 1, jobs.seen[2].Failures)
	assert.False(t, jobs.seen[2].EnqueuedAt.IsZero())
}

func TestHandle_FinalReceiveMarksDeadLettered(t *testing.T) {
	jobs := &scriptedJobs{results: map[string]error{"n-1": errors.New("provider timeout")}}
	h := newTestHandler(jobs)

	resp, _ := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{record(t, "m1", "n-1", 3)}})
	assert.Len(t, resp.BatchItemFailures, 1)
	assert.Empty(t, jobs.deadLettered)

	resp, _ = h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{record(t, "m1", "n-1", 4)}})
	assert.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, []string{"n-1"}, jobs.deadLettered)
}

type deadLetterCounter struct {
	metrics.Noop
	deadLettered int
}

func (c *deadLetterCounter) RecordDelivery(_ context.Context, _ string, res metrics.Result) {
	if res == metrics.ResultDeadLettered {
		c.deadLettered++
	}
}

func TestHandle_UndecodableBodyIsRedriven(t *testing.T) {
	jobs := &scriptedJobs{}
	rec := &deadLetterCounter{}
	h := NewHandler(jobs, []types.QueueConfig{
		{Name: types.QueueNotification, RetryThreshold: 3, DeadLetterThreshold: 5},
	}, rec, types.NopLogger{})

	malformed := func(receives int) events.SQSEvent {
		return events.SQSEvent{Records: []events.SQSMessage{{
			MessageId:      "bad",
			Body:           "{not json",
			EventSourceARN: arn,
			Attributes:     map[string]string{"ApproximateReceiveCount": strconv.Itoa(receives)},
		}}}
	}

	for receives := 1; receives <= 4; receives++ {
		resp, err := h.Handle(context.Background(), malformed(receives))
		require.NoError(t, err)
		require.Len(t, resp.BatchItemFailures, 1, "receive %d", receives)
		assert.Equal(t, "bad", resp.BatchItemFailures[0].ItemIdentifier)
	}

	// Only the receive past the threshold counts as dead-lettered; the job
	// handler never sees the body.
	assert.Equal(t, 1, rec.deadLettered)
	assert.Empty(t, jobs.seen)
	assert.Empty(t, jobs.deadLettered)
}

func TestQueueFor(t *testing.T) {
	h := NewHandler(&scriptedJobs{}, []types.QueueConfig{{Name: "email.high"}}, nil, types.NopLogger{})
	assert.Equal(t, "email.high", h.queueFor("arn:aws:sqs:eu-west-1:1:email-high").Name)
	assert.Equal(t, "unknown", h.queueFor("arn:aws:sqs:eu-west-1:1:unknown").Name)
	assert.Equal(t, "bare", h.queueFor("bare").Name)
}

func TestParseMillis(t *testing.T) {
	ts, ok := parseMillis("1700000000000")
	require.True(t, ok)
	assert.Equal(t, int64(1700000000000), ts.UnixMilli())

	_, ok = parseMillis("")
	assert.False(t, ok)
	_, ok = parseMillis("abc")
	assert.False(t, ok)
}
