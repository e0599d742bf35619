// Package broker provides a lease-based message queue over a shared backend.
//
// A consumed message is leased: it stays invisible to other consumers for the
// queue's visibility timeout. Ack removes it. Nack counts a failure and
// returns it to the queue after the caller's redelivery delay; once failures exceed the queue's effective threshold the
// message moves to "<queue>.dlq" instead. Leases that expire without an ack
// are returned by Reclaim, which also counts a failure.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"pushpipe/internal/types"
)

var (
	// ErrBrokerUnavailable is returned by every operation while the broker is
	// not connected.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrUnknownQueue is returned for a queue that was never initialized.
	ErrUnknownQueue = errors.New("unknown queue")
)

// Message is a leased message.
type Message struct {
	ID    string
	Queue string
	Body  []byte
	// Receipt identifies this particular lease. Ack and Nack take the
	// receipt, so a consumer whose lease expired cannot ack the next lease.
	Receipt      string
	ReceiveCount int
	Failures     int
	EnqueuedAt   time.Time
}

// NackOutcome reports what a Nack did.
type NackOutcome struct {
	Failures     int
	DeadLettered bool
	// Stale is set when the receipt no longer matches a live lease; the call
	// was a no-op.
	Stale bool
}

// ReclaimResult reports the leases returned by Reclaim.
type ReclaimResult struct {
	Requeued     int
	DeadLettered []Message
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Name         string `json:"name"`
	Ready        int64  `json:"ready"`
	InFlight     int64  `json:"inFlight"`
	// Delayed counts nacked messages waiting out their redelivery delay.
	Delayed      int64  `json:"delayed"`
	DeadLettered int64  `json:"deadLettered"`

	// Lifetime counters. Backends without counters leave them zero.
	TotalEnqueued     int64 `json:"totalEnqueued"`
	TotalAcked        int64 `json:"totalAcked"`
	TotalNacked       int64 `json:"totalNacked"`
	TotalDeadLettered int64 `json:"totalDeadLettered"`
	TotalReclaimed    int64 `json:"totalReclaimed"`
}

// Size is the number of messages owned by the queue, leased or not.
func (s QueueStats) Size() int64 { return s.Ready + s.InFlight + s.Delayed }

// Broker is the queue primitive used by the queue manager and consumers.
// Implementations must be safe for concurrent use.
type Broker interface {
	// Name identifies the backend ("redis", "sqs").
	Name() string
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	Ping(ctx context.Context) error

	InitializeQueues(ctx context.Context, queues []types.QueueConfig) error
	Queues() []types.QueueConfig

	Enqueue(ctx context.Context, queue string, body []byte) (string, error)
	// Consume leases one message. It returns (nil, nil) when the queue is empty.
	Consume(ctx context.Context, queue string) (*Message, error)
	// Ack is idempotent: acking an unknown or already-acked receipt is a no-op.
	Ack(ctx context.Context, queue, receipt string) error
	// Nack counts a failure. Below the threshold the message becomes
	// consumable again after delay; above it the message is dead-lettered.
	Nack(ctx context.Context, queue, receipt string, delay time.Duration) (NackOutcome, error)
	Reclaim(ctx context.Context, queue string) (ReclaimResult, error)

	Size(ctx context.Context, queue string) (int64, error)
	Purge(ctx context.Context, queue string) (int64, error)
	Stats(ctx context.Context) (map[string]QueueStats, error)

	// DeadLetters lists up to limit messages in the queue's DLQ.
	DeadLetters(ctx context.Context, queue string, limit int) ([]Message, error)
	// Replay moves every dead-lettered message back to the queue with its
	// failure count reset.
	Replay(ctx context.Context, queue string) (int, error)
}

const dlqSuffix = ".dlq"

// IsDeadLetterQueue reports whether name is a "<queue>.dlq" name.
func IsDeadLetterQueue(name string) bool {
	return strings.HasSuffix(name, dlqSuffix)
}

// ParentQueue strips the ".dlq" suffix.
func ParentQueue(name string) string {
	return strings.TrimSuffix(name, dlqSuffix)
}

// queueSet indexes initialized queue configs by name.
type queueSet struct {
	order  []string
	byName map[string]types.QueueConfig
}

func newQueueSet(queues []types.QueueConfig) queueSet {
	s := queueSet{byName: make(map[string]types.QueueConfig, len(queues))}
	for _, q := range queues {
		if _, dup := s.byName[q.Name]; !dup {
			s.order = append(s.order, q.Name)
		}
		s.byName[q.Name] = q
	}
	return s
}

func (s queueSet) list() []types.QueueConfig {
	out := make([]types.QueueConfig, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.byName[n])
	}
	return out
}

// lookup accepts either a queue name or its DLQ name and returns the owning
// queue's config.
func (s queueSet) lookup(name string) (types.QueueConfig, bool) {
	q, ok := s.byName[ParentQueue(name)]
	return q, ok
}
