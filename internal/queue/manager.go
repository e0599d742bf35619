// Package queue is the operational layer over the broker: the Manager
// (connect, enqueue, stats, purge, health, dead-letter handling) and the
// ConsumerPool that drains queues through a Handler.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pushpipe/internal/broker"
	"pushpipe/internal/metrics"
	"pushpipe/internal/types"
)

// ErrNotConnected is returned by every Manager operation while disconnected.
var ErrNotConnected = errors.New("queue manager is not connected")

// Manager owns the broker connection for a fixed set of queues.
type Manager struct {
	broker  broker.Broker
	queues  []types.QueueConfig
	logger  types.Logger
	metrics metrics.Recorder
	now     func() time.Time

	mu          sync.RWMutex
	isConnected bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics sets the recorder used by monitoring. Nil keeps the no-op.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a disconnected manager for queues.
func NewManager(b broker.Broker, queues []types.QueueConfig, logger types.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = types.NopLogger{}
	}
	sorted := append([]types.QueueConfig(nil), queues...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	m := &Manager{
		broker:  b,
		queues:  sorted,
		logger:  logger.With("component", "queue_manager"),
		metrics: metrics.Noop{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect connects the broker and declares every configured queue. It is
// idempotent.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isConnected {
		return nil
	}
	if err := m.broker.Connect(ctx); err != nil {
		return unavailable(err)
	}
	if err := m.broker.InitializeQueues(ctx, m.queues); err != nil {
		_ = m.broker.Close()
		return unavailable(err)
	}
	m.isConnected = true
	m.logger.Info("queue manager connected", "broker", m.broker.Name(), "queues", len(m.queues))
	return nil
}

// Disconnect closes the broker. Calling it twice is harmless.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isConnected {
		return nil
	}
	m.isConnected = false
	if err := m.broker.Close(); err != nil {
		return fmt.Errorf("close broker: %w", err)
	}
	m.logger.Info("queue manager disconnected")
	return nil
}

// IsConnected reports the connection guard.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isConnected
}

// Broker exposes the underlying broker for the consumer pool.
func (m *Manager) Broker() broker.Broker { return m.broker }

// Queues returns the configured queues sorted by name.
func (m *Manager) Queues() []types.QueueConfig {
	return append([]types.QueueConfig(nil), m.queues...)
}

// QueueConfig returns the config for name.
func (m *Manager) QueueConfig(name string) (types.QueueConfig, bool) {
	for _, q := range m.queues {
		if q.Name == name {
			return q, true
		}
	}
	return types.QueueConfig{}, false
}

func (m *Manager) guard() error {
	if !m.IsConnected() {
		return types.NewAppError(types.ErrCodeUnavailableQueueManager,
			"queue manager is not connected; call Connect first", ErrNotConnected)
	}
	return nil
}

func (m *Manager) known(queue string) error {
	if _, ok := m.QueueConfig(broker.ParentQueue(queue)); !ok {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidQueue,
			fmt.Sprintf("queue %q is not configured", queue), broker.ErrUnknownQueue,
			map[string]any{"queue": queue})
	}
	return nil
}

// Enqueue publishes job onto queue and returns the broker message ID.
func (m *Manager) Enqueue(ctx context.Context, queue string, job types.JobMessage) (string, error) {
	if err := m.guard(); err != nil {
		return "", err
	}
	if err := m.known(queue); err != nil {
		return "", err
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = m.now().UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	id, err := m.broker.Enqueue(ctx, queue, body)
	if err != nil {
		return "", brokerError("enqueue", err)
	}
	m.logger.Info("job enqueued", "queue", queue, "message_id", id, "notification_id", job.NotificationID)
	return id, nil
}

// OpResult is the per-queue outcome of a fan-out operation.
type OpResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Purged    int64  `json:"purged,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AddTestMessages enqueues one synthetic job per queue for smoke tests.
// Test jobs carry Test=true and are acked by consumers without delivery.
func (m *Manager) AddTestMessages(ctx context.Context) (map[string]OpResult, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	out := make(map[string]OpResult, len(m.queues))
	for _, q := range m.queues {
		job := types.JobMessage{
			NotificationID: "test-" + uuid.NewString(),
			Recipient:      "queue-cli",
			Audience:       types.AudienceUser,
			Channel:        channelFor(q.Name),
			Type:           "test",
			Title:          "Queue smoke test",
			Body:           fmt.Sprintf("Test message for %s", q.Name),
			Test:           true,
		}
		id, err := m.Enqueue(ctx, q.Name, job)
		if err != nil {
			out[q.Name] = OpResult{Error: err.Error()}
			continue
		}
		out[q.Name] = OpResult{Success: true, MessageID: id}
	}
	return out, nil
}

// QueueDetail is the per-queue part of DetailedStats.
type QueueDetail struct {
	Size   int64             `json:"size"`
	Config types.QueueConfig `json:"config"`
	Stats  broker.QueueStats `json:"stats"`
}

// Overview aggregates every queue.
type Overview struct {
	Broker        string    `json:"broker"`
	TotalQueues   int       `json:"totalQueues"`
	TotalMessages int64     `json:"totalMessages"`
	Ready         int64     `json:"ready"`
	InFlight      int64     `json:"inFlight"`
	Delayed       int64     `json:"delayed"`
	DeadLettered  int64     `json:"deadLettered"`
	CollectedAt   time.Time `json:"collectedAt"`
}

// DetailedStats is the result of GetDetailedStats.
type DetailedStats struct {
	Overview Overview               `json:"overview"`
	Queues   map[string]QueueDetail `json:"queues"`
}

func (m *Manager) GetDetailedStats(ctx context.Context) (*DetailedStats, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	stats, err := m.broker.Stats(ctx)
	if err != nil {
		return nil, brokerError("stats", err)
	}
	out := &DetailedStats{
		Overview: Overview{Broker: m.broker.Name(), TotalQueues: len(m.queues), CollectedAt: m.now().UTC()},
		Queues:   make(map[string]QueueDetail, len(m.queues)),
	}
	for _, q := range m.queues {
		st := stats[q.Name]
		st.Name = q.Name
		out.Queues[q.Name] = QueueDetail{Size: st.Size(), Config: q, Stats: st}
		out.Overview.TotalMessages += st.Size()
		out.Overview.Ready += st.Ready
		out.Overview.InFlight += st.InFlight
		out.Overview.Delayed += st.Delayed
		out.Overview.DeadLettered += st.DeadLettered
	}
	return out, nil
}

// Size returns ready, delayed and in-flight messages for queue.
func (m *Manager) Size(ctx context.Context, queue string) (int64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	if err := m.known(queue); err != nil {
		return 0, err
	}
	n, err := m.broker.Size(ctx, queue)
	if err != nil {
		return 0, brokerError("size", err)
	}
	return n, nil
}

// PurgeQueue removes every message from queue (or its ".dlq").
func (m *Manager) PurgeQueue(ctx context.Context, queue string) (int64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	if err := m.known(queue); err != nil {
		return 0, err
	}
	n, err := m.broker.Purge(ctx, queue)
	if err != nil {
		return 0, brokerError("purge", err)
	}
	m.logger.Warn("queue purged", "queue", queue, "removed", n)
	return n, nil
}

// PurgeAllQueues purges every configured queue. Destructive; operator only.
func (m *Manager) PurgeAllQueues(ctx context.Context) (map[string]OpResult, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	out := make(map[string]OpResult, len(m.queues))
	for _, q := range m.queues {
		n, err := m.PurgeQueue(ctx, q.Name)
		if err != nil {
			out[q.Name] = OpResult{Error: err.Error()}
			continue
		}
		out[q.Name] = OpResult{Success: true, Purged: n}
	}
	return out, nil
}

// DeadLetters lists up to limit dead-lettered jobs of queue.
func (m *Manager) DeadLetters(ctx context.Context, queue string, limit int) ([]broker.Message, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	if err := m.known(queue); err != nil {
		return nil, err
	}
	msgs, err := m.broker.DeadLetters(ctx, broker.ParentQueue(queue), limit)
	if err != nil {
		return nil, brokerError("dead letters", err)
	}
	return msgs, nil
}

// Replay moves every dead-lettered job of queue back onto it.
func (m *Manager) Replay(ctx context.Context, queue string) (int, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	if err := m.known(queue); err != nil {
		return 0, err
	}
	n, err := m.broker.Replay(ctx, broker.ParentQueue(queue))
	if err != nil {
		return 0, brokerError("replay", err)
	}
	m.logger.Info("dead letters replayed", "queue", queue, "count", n)
	return n, nil
}

// Health values reported by HealthCheck.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthReport is the result of HealthCheck.
type HealthReport struct {
	Status           string                       `json:"status"`
	Reason           string                       `json:"reason,omitempty"`
	QueuesConfigured int                          `json:"queuesConfigured"`
	Stats            map[string]broker.QueueStats `json:"stats,omitempty"`
}

// HealthCheck never returns an error: a disconnected or unreachable broker
// is reported as unhealthy.
func (m *Manager) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{Status: StatusUnhealthy, QueuesConfigured: len(m.queues)}
	if !m.IsConnected() {
		report.Reason = "queue manager is not connected"
		return report
	}
	if err := m.broker.Ping(ctx); err != nil {
		report.Reason = "broker ping failed: " + err.Error()
		return report
	}
	stats, err := m.broker.Stats(ctx)
	if err != nil {
		report.Reason = "stats unavailable: " + err.Error()
		return report
	}
	report.Status = StatusHealthy
	report.Stats = stats
	return report
}

// StartMonitoring snapshots stats every interval, logging them and
// publishing queue depth. The returned function stops monitoring and waits
// for the loop to exit; it is safe to call more than once.
func (m *Manager) StartMonitoring(ctx context.Context, interval time.Duration) (func(), error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidField, "monitor interval must be positive", nil)
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		m.snapshot(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.snapshot(ctx)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (m *Manager) snapshot(ctx context.Context) {
	stats, err := m.GetDetailedStats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("monitor snapshot failed", "error", err.Error())
		}
		return
	}
	for name, q := range stats.Queues {
		m.metrics.RecordQueueDepth(ctx, name, q.Size)
	}
	m.logger.Info("queue snapshot",
		"total_messages", stats.Overview.TotalMessages,
		"ready", stats.Overview.Ready,
		"in_flight", stats.Overview.InFlight,
		"delayed", stats.Overview.Delayed,
		"dead_lettered", stats.Overview.DeadLettered,
	)
}

func unavailable(err error) error {
	return types.NewAppError(types.ErrCodeUnavailableBroker, "broker unavailable", err)
}

func brokerError(op string, err error) error {
	var appErr *types.AppError
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, broker.ErrBrokerUnavailable):
		return unavailable(err)
	case errors.Is(err, broker.ErrUnknownQueue):
		return types.NewAppError(types.ErrCodeValidationInvalidQueue, err.Error(), err)
	default:
		return types.NewAppError(types.ErrCodeInternalBroker, op+" failed", err)
	}
}
