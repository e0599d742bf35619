// Package metrics records delivery and queue telemetry. Backends are chosen
// at startup: Prometheus (pull), CloudWatch (push) or Noop.
package metrics

import (
	"context"
	"time"
)

// Result is the outcome dimension of a delivery attempt.
type Result string

const (
	ResultSuccess      Result = "success"
	ResultFailed       Result = "failed"
	ResultRetried      Result = "retried"
	ResultDeadLettered Result = "dead_lettered"
	ResultNoTarget     Result = "no_target"
)

// Recorder receives pipeline telemetry. Implementations never fail the
// caller; errors are logged.
type Recorder interface {
	RecordDelivery(ctx context.Context, channel string, result Result)
	RecordLatency(ctx context.Context, channel string, d time.Duration)
	RecordQueueLag(ctx context.Context, queue string, lag time.Duration)
	RecordQueueDepth(ctx context.Context, queue string, depth int64)
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordDelivery(context.Context, string, Result)        {}
func (Noop) RecordLatency(context.Context, string, time.Duration)  {}
func (Noop) RecordQueueLag(context.Context, string, time.Duration) {}
func (Noop) RecordQueueDepth(context.Context, string, int64)       {}
