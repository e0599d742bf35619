// Package main is the push worker Lambda. It consumes SQS batches from the
// delivery queues and runs each job through the same JobHandler as the
// in-process consumer pool.
//
// Failed transient jobs and undecodable bodies are reported in
// BatchItemFailures so SQS redelivers only those after their visibility
// timeout; the queue's redrive policy moves them to the dead-letter queue.
// When a job is on its final receive the store record is marked
// dead_lettered before the failure is reported.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"pushpipe/internal/app"
	"pushpipe/internal/broker"
	"pushpipe/internal/config"
	"pushpipe/internal/logging"
	"pushpipe/internal/metrics"
	"pushpipe/internal/queue"
	"pushpipe/internal/retry"
	"pushpipe/internal/types"
)

// Handler adapts SQS events to queue.Handler calls.
type Handler struct {
	jobs    queue.Handler
	queues  map[string]types.QueueConfig // keyed by SQS queue name
	metrics metrics.Recorder
	logger  types.Logger
	now     func() time.Time
}

func NewHandler(jobs queue.Handler, queues []types.QueueConfig, rec metrics.Recorder, logger types.Logger) *Handler {
	byName := make(map[string]types.QueueConfig, len(queues))
	for _, q := range queues {
		byName[broker.SQSQueueName(q.Name)] = q
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Handler{jobs: jobs, queues: byName, metrics: rec, logger: logger, now: time.Now}
}

// Handle processes a batch. It never returns an error: per-record failures
// go into the partial batch response.
func (h *Handler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range ev.Records {
		if err := h.process(ctx, record); err != nil {
			resp.BatchItemFailures = append(resp.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return resp, nil
}

func (h *Handler) process(ctx context.Context, record events.SQSMessage) error {
	q := h.queueFor(record.EventSourceARN)
	receives := atoi(record.Attributes["ApproximateReceiveCount"])
	exhausted := func() bool {
		limit := q.EffectiveThreshold()
		return limit > 0 && receives > limit
	}

	var job types.JobMessage
	if err := json.Unmarshal([]byte(record.Body), &job); err != nil {
		// Reported as a failure so the redrive policy parks it in the DLQ.
		log := h.logger.With("message_id", record.MessageId, "queue", q.Name, "receive_count", receives)
		if exhausted() {
			log.Error("undecodable message exhausted its receives; leaving it to the redrive policy", "error", err.Error())
			h.metrics.RecordDelivery(ctx, string(job.Channel), metrics.ResultDeadLettered)
		} else {
			log.Error("undecodable message; returning to queue", "error", err.Error())
		}
		return fmt.Errorf("decode job: %w", err)
	}

	d := queue.Delivery{
		MessageID:    record.MessageId,
		Queue:        q.Name,
		ReceiveCount: receives,
		EnqueuedAt:   job.EnqueuedAt,
	}
	if sent, ok := parseMillis(record.Attributes["SentTimestamp"]); ok {
		d.EnqueuedAt = sent
	}
	if d.ReceiveCount > 0 {
		d.Failures = d.ReceiveCount - 1
	}
	if !d.EnqueuedAt.IsZero() && q.Name != "" {
		h.metrics.RecordQueueLag(ctx, q.Name, h.now().Sub(d.EnqueuedAt))
	}

	log := h.logger.With("message_id", record.MessageId, "queue", q.Name,
		"notification_id", job.NotificationID, "receive_count", d.ReceiveCount, "trace_id", job.TraceID)

	err := h.jobs.Handle(ctx, job, d)
	switch {
	case err == nil:
		return nil
	case retry.IsPermanent(err):
		log.Warn("job failed permanently", "error", err.Error())
		return nil
	}

	if exhausted() {
		log.Error("job exhausted its receives; leaving it to the redrive policy", "error", err.Error())
		h.metrics.RecordDelivery(ctx, string(job.Channel), metrics.ResultDeadLettered)
		h.jobs.DeadLettered(ctx, job, err.Error())
	} else {
		log.Warn("job failed; returning to queue", "error", err.Error())
	}
	return err
}

// queueFor maps an event source ARN (arn:aws:sqs:region:account:name) to the
// configured queue. Unknown queues get a zero config with the bare name.
func (h *Handler) queueFor(arn string) types.QueueConfig {
	name := arn[strings.LastIndex(arn, ":")+1:]
	if q, ok := h.queues[name]; ok {
		return q
	}
	return types.QueueConfig{Name: name}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseMillis(s string) (time.Time, bool) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func main() {
	cfg, err := config.LoadConfig(config.DefaultProvider())
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: loading configuration: %v\n", err)
		os.Exit(1)
	}
	// Lambda captures stdout; file rotation does not apply.
	logger, _ := logging.New(cfg.Log.Level, logging.FileOptions{})

	h, err := coldStart(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("push worker initialization failed", "error", err)
		os.Exit(1)
	}
	lambda.Start(h.Handle)
}

func coldStart(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Handler, error) {
	log := logging.Adapt(logger)

	queues, err := config.LoadQueues(cfg.Queues.OverridesFile)
	if err != nil {
		return nil, err
	}
	rec, _, err := app.NewMetrics(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	st, err := app.OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	p, err := app.NewPipeline(ctx, cfg, st, log, rec)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	logger.Info("push worker initialized",
		"store", cfg.Store.Driver,
		"provider", p.Gateway.Name(),
		"queues", len(queues),
		"version", cfg.Build.Version,
	)
	return NewHandler(p.Handler, queues, rec, log), nil
}
