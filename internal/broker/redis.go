package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pushpipe/internal/types"
)

// reclaimBatch bounds the leases returned per reclaim script call.
const reclaimBatch = 100

// RedisOptions configures a RedisBroker.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
}

// RedisBroker implements Broker over Redis lists, sorted sets and Lua
// scripts. Every state transition of a message runs as one script, so
// concurrent consumers in any number of processes see consistent leases.
type RedisBroker struct {
	opts   RedisOptions
	logger types.Logger
	now    func() time.Time

	mu        sync.RWMutex
	client    redis.UniversalClient
	ownClient bool
	connected bool
	queues    queueSet
}

// RedisOption customizes a RedisBroker.
type RedisOption func(*RedisBroker)

// WithClock replaces time.Now for lease deadlines.
func WithClock(now func() time.Time) RedisOption {
	return func(b *RedisBroker) { b.now = now }
}

// WithClient uses an existing client instead of dialing opts.Addr. The
// broker does not close a client it did not create.
func WithClient(c redis.UniversalClient) RedisOption {
	return func(b *RedisBroker) { b.client = c }
}

// NewRedisBroker returns an unconnected broker.
func NewRedisBroker(opts RedisOptions, logger types.Logger, options ...RedisOption) *RedisBroker {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "pushpipe"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	b := &RedisBroker{
		opts:   opts,
		logger: logger.With("component", "redis_broker"),
		now:    time.Now,
		queues: newQueueSet(nil),
	}
	for _, o := range options {
		o(b)
	}
	return b
}

func (b *RedisBroker) Name() string { return "redis" }

// Connect dials Redis and verifies the connection. Calling it on a
// connected broker is a no-op.
func (b *RedisBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	if b.client == nil {
		b.client = redis.NewClient(&redis.Options{
			Addr:        b.opts.Addr,
			Password:    b.opts.Password,
			DB:          b.opts.DB,
			DialTimeout: b.opts.DialTimeout,
		})
		b.ownClient = true
	}

	pingCtx, cancel := context.WithTimeout(ctx, b.opts.DialTimeout)
	defer cancel()
	if err := b.client.Ping(pingCtx).Err(); err != nil {
		if b.ownClient {
			_ = b.client.Close()
			b.client = nil
			b.ownClient = false
		}
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	b.connected = true
	b.logger.Info("broker connected", "addr", b.opts.Addr)
	return nil
}

// Close releases the connection. It is safe to call more than once.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	if b.ownClient {
		err := b.client.Close()
		b.client = nil
		b.ownClient = false
		return err
	}
	return nil
}

func (b *RedisBroker) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	c, err := b.conn()
	if err != nil {
		return err
	}
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

// InitializeQueues records the queue policies and publishes them under
// <prefix>:queues so other processes can inspect them.
func (b *RedisBroker) InitializeQueues(ctx context.Context, queues []types.QueueConfig) error {
	c, err := b.conn()
	if err != nil {
		return err
	}
	fields := make([]any, 0, len(queues)*2)
	for _, q := range queues {
		data, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("encode queue %s: %w", q.Name, err)
		}
		fields = append(fields, q.Name, string(data))
	}
	if len(fields) > 0 {
		if err := c.HSet(ctx, b.key("queues"), fields...).Err(); err != nil {
			return fmt.Errorf("declare queues: %w", err)
		}
	}
	b.mu.Lock()
	b.queues = newQueueSet(queues)
	b.mu.Unlock()
	b.logger.Info("queues initialized", "count", len(queues))
	return nil
}

func (b *RedisBroker) Queues() []types.QueueConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.queues.list()
}

func (b *RedisBroker) Enqueue(ctx context.Context, queue string, body []byte) (string, error) {
	c, _, err := b.queueConn(queue, false)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, b.msgKey(id),
			"body", body,
			"queue", queue,
			"enq", b.now().UnixMilli(),
			"rc", 0,
			"fc", 0,
		)
		p.LPush(ctx, b.readyKey(queue), id)
		p.HIncrBy(ctx, b.statsKey(queue), "enqueued", 1)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return id, nil
}

func (b *RedisBroker) Consume(ctx context.Context, queue string) (*Message, error) {
	c, cfg, err := b.queueConn(queue, false)
	if err != nil {
		return nil, err
	}
	res, err := consumeScript.Run(ctx, c,
		[]string{b.readyKey(queue), b.inflightKey(queue), b.delayedKey(queue)},
		b.now().UnixMilli(), cfg.VisibilityTimeout.Milliseconds(), b.msgPrefix(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	if len(res) != 5 {
		return nil, fmt.Errorf("consume %s: unexpected reply length %d", queue, len(res))
	}

	id := asString(res[0])
	rc := asInt(res[3])
	return &Message{
		ID:           id,
		Queue:        queue,
		Body:         []byte(asString(res[1])),
		Receipt:      makeReceipt(id, rc),
		ReceiveCount: rc,
		Failures:     asInt(res[4]),
		EnqueuedAt:   time.UnixMilli(int64(asInt(res[2]))).UTC(),
	}, nil
}

func (b *RedisBroker) Ack(ctx context.Context, queue, receipt string) error {
	c, _, err := b.queueConn(queue, false)
	if err != nil {
		return err
	}
	id, rc, ok := parseReceipt(receipt)
	if !ok {
		return nil
	}
	n, err := ackScript.Run(ctx, c,
		[]string{b.inflightKey(queue), b.statsKey(queue)},
		id, strconv.Itoa(rc), b.msgPrefix(),
	).Int64()
	if err != nil {
		return fmt.Errorf("ack %s: %w", queue, err)
	}
	if n == 0 {
		b.logger.Warn("ack ignored, lease not found", "queue", queue, "message_id", id)
	}
	return nil
}

// Nack counts a failure. A message under the threshold is parked for delay
// before it can be consumed again; delay <= 0 requeues it immediately.
func (b *RedisBroker) Nack(ctx context.Context, queue, receipt string, delay time.Duration) (NackOutcome, error) {
	c, cfg, err := b.queueConn(queue, false)
	if err != nil {
		return NackOutcome{}, err
	}
	id, rc, ok := parseReceipt(receipt)
	if !ok {
		return NackOutcome{Stale: true}, nil
	}
	res, err := nackScript.Run(ctx, c,
		[]string{b.inflightKey(queue), b.readyKey(queue), b.readyKey(types.DeadLetterQueueName(queue)), b.statsKey(queue), b.delayedKey(queue)},
		id, strconv.Itoa(rc), b.msgPrefix(), cfg.EffectiveThreshold(), b.now().UnixMilli(), max(delay.Milliseconds(), 0),
	).Int64Slice()
	if err != nil {
		return NackOutcome{}, fmt.Errorf("nack %s: %w", queue, err)
	}
	if len(res) != 2 || res[0] < 0 {
		return NackOutcome{Stale: true}, nil
	}
	out := NackOutcome{Failures: int(res[0]), DeadLettered: res[1] == 1}
	if out.DeadLettered {
		b.logger.Warn("message dead-lettered", "queue", queue, "message_id", id, "failures", out.Failures)
	}
	return out, nil
}

// Reclaim returns expired leases to the queue, counting each as a failure.
func (b *RedisBroker) Reclaim(ctx context.Context, queue string) (ReclaimResult, error) {
	c, cfg, err := b.queueConn(queue, false)
	if err != nil {
		return ReclaimResult{}, err
	}
	var result ReclaimResult
	for {
		res, err := reclaimScript.Run(ctx, c,
			[]string{b.inflightKey(queue), b.readyKey(queue), b.readyKey(types.DeadLetterQueueName(queue)), b.statsKey(queue)},
			b.now().UnixMilli(), b.msgPrefix(), cfg.EffectiveThreshold(), reclaimBatch,
		).Slice()
		if err != nil {
			return result, fmt.Errorf("reclaim %s: %w", queue, err)
		}
		if len(res) != 2 {
			return result, fmt.Errorf("reclaim %s: unexpected reply length %d", queue, len(res))
		}
		requeued := asInt(res[0])
		result.Requeued += requeued

		deadIDs, _ := res[1].([]any)
		for _, raw := range deadIDs {
			msg, err := b.loadMessage(ctx, c, queue, asString(raw))
			if err != nil {
				return result, err
			}
			if msg != nil {
				result.DeadLettered = append(result.DeadLettered, *msg)
			}
		}
		if requeued+len(deadIDs) < reclaimBatch {
			break
		}
	}
	if result.Requeued > 0 || len(result.DeadLettered) > 0 {
		b.logger.Info("expired leases reclaimed", "queue", queue,
			"requeued", result.Requeued, "dead_lettered", len(result.DeadLettered))
	}
	return result, nil
}

// Size counts ready, delayed and leased messages. For a DLQ name it counts
// the dead-lettered messages.
func (b *RedisBroker) Size(ctx context.Context, queue string) (int64, error) {
	c, _, err := b.queueConn(queue, true)
	if err != nil {
		return 0, err
	}
	var ready, inflight, delayed *redis.IntCmd
	_, err = c.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.LLen(ctx, b.readyKey(queue))
		inflight = p.ZCard(ctx, b.inflightKey(queue))
		delayed = p.ZCard(ctx, b.delayedKey(queue))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", queue, err)
	}
	return ready.Val() + inflight.Val() + delayed.Val(), nil
}

// Purge deletes every message in the queue, including leased ones, and
// returns how many were removed. Purging "<queue>.dlq" discards its
// dead letters.
func (b *RedisBroker) Purge(ctx context.Context, queue string) (int64, error) {
	c, _, err := b.queueConn(queue, true)
	if err != nil {
		return 0, err
	}
	n, err := purgeScript.Run(ctx, c,
		[]string{b.readyKey(queue), b.inflightKey(queue), b.delayedKey(queue)},
		b.msgPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", queue, err)
	}
	b.logger.Warn("queue purged", "queue", queue, "removed", n)
	return n, nil
}

func (b *RedisBroker) Stats(ctx context.Context) (map[string]QueueStats, error) {
	c, err := b.conn()
	if err != nil {
		return nil, err
	}
	queues := b.Queues()

	type cmds struct {
		ready, inflight, delayed, dlq *redis.IntCmd
		counters             *redis.MapStringStringCmd
	}
	all := make([]cmds, len(queues))
	_, err = c.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, q := range queues {
			all[i] = cmds{
				ready:    p.LLen(ctx, b.readyKey(q.Name)),
				inflight: p.ZCard(ctx, b.inflightKey(q.Name)),
				delayed:  p.ZCard(ctx, b.delayedKey(q.Name)),
				dlq:      p.LLen(ctx, b.readyKey(q.DeadLetterName())),
				counters: p.HGetAll(ctx, b.statsKey(q.Name)),
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	out := make(map[string]QueueStats, len(queues))
	for i, q := range queues {
		counters := all[i].counters.Val()
		out[q.Name] = QueueStats{
			Name:              q.Name,
			Ready:             all[i].ready.Val(),
			InFlight:          all[i].inflight.Val(),
			Delayed:           all[i].delayed.Val(),
			DeadLettered:      all[i].dlq.Val(),
			TotalEnqueued:     parseCounter(counters["enqueued"]),
			TotalAcked:        parseCounter(counters["acked"]),
			TotalNacked:       parseCounter(counters["nacked"]),
			TotalDeadLettered: parseCounter(counters["dead_lettered"]),
			TotalReclaimed:    parseCounter(counters["reclaimed"]),
		}
	}
	return out, nil
}

func (b *RedisBroker) DeadLetters(ctx context.Context, queue string, limit int) ([]Message, error) {
	c, _, err := b.queueConn(queue, false)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	dlq := types.DeadLetterQueueName(queue)
	ids, err := c.LRange(ctx, b.readyKey(dlq), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters %s: %w", queue, err)
	}
	out := make([]Message, 0, len(ids))
	// Oldest first: the list is consumed from the right.
	for i := len(ids) - 1; i >= 0; i-- {
		msg, err := b.loadMessage(ctx, c, dlq, ids[i])
		if err != nil {
			return nil, err
		}
		if msg != nil {
			out = append(out, *msg)
		}
	}
	return out, nil
}

func (b *RedisBroker) Replay(ctx context.Context, queue string) (int, error) {
	c, _, err := b.queueConn(queue, false)
	if err != nil {
		return 0, err
	}
	n, err := replayScript.Run(ctx, c,
		[]string{b.readyKey(types.DeadLetterQueueName(queue)), b.readyKey(queue)},
		b.msgPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("replay %s: %w", queue, err)
	}
	if n > 0 {
		b.logger.Info("dead letters replayed", "queue", queue, "count", n)
	}
	return int(n), nil
}

func (b *RedisBroker) loadMessage(ctx context.Context, c redis.UniversalClient, queue, id string) (*Message, error) {
	vals, err := c.HGetAll(ctx, b.msgKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return &Message{
		ID:           id,
		Queue:        queue,
		Body:         []byte(vals["body"]),
		ReceiveCount: int(parseCounter(vals["rc"])),
		Failures:     int(parseCounter(vals["fc"])),
		EnqueuedAt:   time.UnixMilli(parseCounter(vals["enq"])).UTC(),
	}, nil
}

func (b *RedisBroker) conn() (redis.UniversalClient, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, ErrBrokerUnavailable
	}
	return b.client, nil
}

// queueConn returns the client and owning queue config. allowDLQ permits
// "<queue>.dlq" names.
func (b *RedisBroker) queueConn(queue string, allowDLQ bool) (redis.UniversalClient, types.QueueConfig, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, types.QueueConfig{}, ErrBrokerUnavailable
	}
	if IsDeadLetterQueue(queue) && !allowDLQ {
		return nil, types.QueueConfig{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	cfg, ok := b.queues.lookup(queue)
	if !ok {
		return nil, types.QueueConfig{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	return b.client, cfg, nil
}

func (b *RedisBroker) key(parts ...string) string {
	return b.opts.KeyPrefix + ":" + strings.Join(parts, ":")
}

func (b *RedisBroker) readyKey(q string) string    { return b.key("q", q, "ready") }
func (b *RedisBroker) inflightKey(q string) string { return b.key("q", q, "inflight") }
func (b *RedisBroker) delayedKey(q string) string  { return b.key("q", q, "delayed") }
func (b *RedisBroker) statsKey(q string) string    { return b.key("q", q, "stats") }
func (b *RedisBroker) msgPrefix() string           { return b.key("msg") + ":" }
func (b *RedisBroker) msgKey(id string) string     { return b.msgPrefix() + id }

func makeReceipt(id string, rc int) string {
	return id + ":" + strconv.Itoa(rc)
}

func parseReceipt(receipt string) (string, int, bool) {
	i := strings.LastIndexByte(receipt, ':')
	if i <= 0 {
		return "", 0, false
	}
	rc, err := strconv.Atoi(receipt[i+1:])
	if err != nil {
		return "", 0, false
	}
	return receipt[:i], rc, true
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func asInt(v any) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}

func parseCounter(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
