package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pushpipe/internal/broker"
	"pushpipe/internal/metrics"
	"pushpipe/internal/retry"
	"pushpipe/internal/types"
)

// Delivery describes the lease a job arrived on.
type Delivery struct {
	MessageID    string
	Queue        string
	ReceiveCount int
	Failures     int
	EnqueuedAt   time.Time
}

// Handler processes leased jobs.
//
// Handle returning nil acks the message. A retry.Permanent error also acks:
// the handler has already recorded the terminal failure and redelivery
// cannot help. Any other error nacks, and once the queue's threshold is
// exceeded the broker dead-letters the job and DeadLettered is called.
type Handler interface {
	Handle(ctx context.Context, job types.JobMessage, d Delivery) error
	DeadLettered(ctx context.Context, job types.JobMessage, reason string)
}

// PoolOptions tunes the consumer pool.
type PoolOptions struct {
	// PollInterval is the idle wait after an empty consume.
	PollInterval time.Duration
	// ReapInterval is how often expired leases are reclaimed.
	ReapInterval time.Duration
	// Queues restricts the pool to these names; empty means all.
	Queues []string
	// Redelivery spaces out redeliveries of a nacked job: after its nth
	// failure a job stays parked for Redelivery.Delay(n). MaxAttempts is
	// unused; the queue's threshold bounds redeliveries.
	Redelivery retry.Policy
}

// DefaultRedelivery doubles from one second up to five minutes.
var DefaultRedelivery = retry.Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Minute, BackoffFactor: 2}

// ConsumerPool runs MaxConcurrency workers per queue plus a reaper.
type ConsumerPool struct {
	broker  broker.Broker
	queues  []types.QueueConfig
	handler Handler
	logger  types.Logger
	metrics metrics.Recorder
	opts    PoolOptions
	now     func() time.Time

	mu       sync.Mutex
	running  bool
	stopPoll context.CancelFunc
	stopWork context.CancelFunc
	group    *errgroup.Group
}

// NewConsumerPool builds a pool over the manager's broker and queues.
func NewConsumerPool(m *Manager, h Handler, logger types.Logger, rec metrics.Recorder, opts PoolOptions) *ConsumerPool {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 5 * time.Second
	}
	if opts.Redelivery.BaseDelay <= 0 {
		opts.Redelivery = DefaultRedelivery
	}
	queues := m.Queues()
	if len(opts.Queues) > 0 {
		want := make(map[string]bool, len(opts.Queues))
		for _, q := range opts.Queues {
			want[q] = true
		}
		filtered := queues[:0]
		for _, q := range queues {
			if want[q.Name] {
				filtered = append(filtered, q)
			}
		}
		queues = filtered
	}
	return &ConsumerPool{
		broker:  m.Broker(),
		queues:  queues,
		handler: h,
		logger:  logger.With("component", "consumer_pool"),
		metrics: rec,
		opts:    opts,
		now:     time.Now,
	}
}

// Start launches workers and the reaper. It returns immediately.
func (p *ConsumerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("consumer pool already running")
	}
	pollCtx, stopPoll := context.WithCancel(ctx)
	// Handlers get a context that survives Stop until the grace period ends.
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	g := &errgroup.Group{}

	workers := 0
	for _, q := range p.queues {
		n := q.MaxConcurrency
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			g.Go(func() error {
				p.work(pollCtx, workCtx, q)
				return nil
			})
		}
		workers += n
	}
	g.Go(func() error {
		p.reap(pollCtx, workCtx)
		return nil
	})

	p.stopPoll, p.stopWork, p.group, p.running = stopPoll, stopWork, g, true
	p.logger.Info("consumer pool started", "queues", len(p.queues), "workers", workers)
	return nil
}

// Stop stops leasing and waits up to grace for in-flight jobs to finish.
// Jobs still running after grace have their context canceled; their leases
// expire and are redelivered.
func (p *ConsumerPool) Stop(grace time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopPoll, stopWork, g := p.stopPoll, p.stopWork, p.group
	p.mu.Unlock()

	// Workers finish their current job and exit once polling stops.
	stopPoll()
	drained := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-time.After(grace):
		err = fmt.Errorf("consumer pool: in-flight jobs still running after %s", grace)
		p.logger.Warn("drain grace period exceeded", "grace", grace.String())
		stopWork()
		<-drained
	}
	stopWork()
	p.logger.Info("consumer pool stopped")
	return err
}

func (p *ConsumerPool) work(pollCtx, workCtx context.Context, q types.QueueConfig) {
	for pollCtx.Err() == nil {
		msg, err := p.broker.Consume(pollCtx, q.Name)
		if err != nil {
			if pollCtx.Err() == nil {
				p.logger.Warn("consume failed", "queue", q.Name, "error", err.Error())
			}
			p.idle(pollCtx)
			continue
		}
		if msg == nil {
			p.idle(pollCtx)
			continue
		}
		p.process(workCtx, q, msg)
	}
}

func (p *ConsumerPool) idle(ctx context.Context) {
	t := time.NewTimer(p.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process runs one leased message through the handler and settles it.
func (p *ConsumerPool) process(ctx context.Context, q types.QueueConfig, msg *broker.Message) {
	log := p.logger.With("queue", q.Name, "message_id", msg.ID)
	if !msg.EnqueuedAt.IsZero() {
		p.metrics.RecordQueueLag(ctx, q.Name, p.now().Sub(msg.EnqueuedAt))
	}

	var job types.JobMessage
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		// Undecodable bodies are nacked until they reach the DLQ so an
		// operator can inspect them.
		log.Error("undecodable job body", "error", err.Error())
		p.nack(ctx, q, msg, job, "undecodable body: "+err.Error(), log)
		return
	}
	log = log.With("notification_id", job.NotificationID)

	d := Delivery{
		MessageID:    msg.ID,
		Queue:        q.Name,
		ReceiveCount: msg.ReceiveCount,
		Failures:     msg.Failures,
		EnqueuedAt:   msg.EnqueuedAt,
	}
	err := p.handler.Handle(ctx, job, d)
	switch {
	case err == nil:
		p.ack(ctx, q, msg, log)
	case retry.IsPermanent(err):
		log.Warn("job failed permanently", "error", err.Error())
		p.ack(ctx, q, msg, log)
	default:
		log.Warn("job failed; returning to queue", "error", err.Error(), "failures", msg.Failures+1)
		p.nack(ctx, q, msg, job, err.Error(), log)
	}
}

func (p *ConsumerPool) ack(ctx context.Context, q types.QueueConfig, msg *broker.Message, log types.Logger) {
	if err := p.broker.Ack(ctx, q.Name, msg.Receipt); err != nil {
		log.Error("ack failed", "error", err.Error())
	}
}

func (p *ConsumerPool) nack(ctx context.Context, q types.QueueConfig, msg *broker.Message, job types.JobMessage, reason string, log types.Logger) {
	delay := p.opts.Redelivery.Delay(msg.Failures + 1)
	out, err := p.broker.Nack(ctx, q.Name, msg.Receipt, delay)
	if err != nil {
		log.Error("nack failed", "error", err.Error())
		return
	}
	if out.Stale {
		log.Warn("nack ignored; lease already expired")
		return
	}
	if out.DeadLettered {
		log.Error("job dead-lettered", "failures", out.Failures, "dlq", q.DeadLetterName())
		p.metrics.RecordDelivery(ctx, string(job.Channel), metrics.ResultDeadLettered)
		p.handler.DeadLettered(ctx, job, reason)
		return
	}
	log.Info("job parked for redelivery", "failures", out.Failures, "delay", delay.String())
}

func (p *ConsumerPool) reap(pollCtx, workCtx context.Context) {
	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-pollCtx.Done():
			return
		case <-ticker.C:
			p.ReapOnce(workCtx)
		}
	}
}

// ReapOnce reclaims expired leases on every queue once.
func (p *ConsumerPool) ReapOnce(ctx context.Context) {
	for _, q := range p.queues {
		res, err := p.broker.Reclaim(ctx, q.Name)
		if err != nil {
			p.logger.Warn("reclaim failed", "queue", q.Name, "error", err.Error())
			continue
		}
		if res.Requeued > 0 {
			p.logger.Info("expired leases requeued", "queue", q.Name, "count", res.Requeued)
		}
		for _, m := range res.DeadLettered {
			var job types.JobMessage
			if err := json.Unmarshal(m.Body, &job); err != nil {
				p.logger.Error("dead-lettered body undecodable", "queue", q.Name, "message_id", m.ID)
				continue
			}
			p.logger.Error("expired lease dead-lettered", "queue", q.Name, "message_id", m.ID,
				"notification_id", job.NotificationID)
			p.metrics.RecordDelivery(ctx, string(job.Channel), metrics.ResultDeadLettered)
			p.handler.DeadLettered(ctx, job, "lease expired")
		}
	}
}
