package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"pushpipe/internal/types"
)

// SQSAPI is the subset of *sqs.Client used by SQSBroker.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	PurgeQueue(ctx context.Context, params *sqs.PurgeQueueInput, optFns ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error)
}

// SQSQueueName maps a queue name to an SQS-safe name. SQS allows only
// alphanumerics, hyphens and underscores.
func SQSQueueName(name string) string {
	return strings.ReplaceAll(name, ".", "-")
}

// SQSBroker implements Broker over Amazon SQS. Queues are provisioned by
// infrastructure; the broker addresses them as URLPrefix + SQSQueueName.
// Visibility timeouts are native. Dead-lettering is done by the broker on
// Nack so the threshold matches the Redis backend; a redrive policy on the
// queue covers leases that expire without a nack.
type SQSBroker struct {
	client    SQSAPI
	urlPrefix string
	logger    types.Logger
	now       func() time.Time

	mu        sync.RWMutex
	connected bool
	queues    queueSet
	// leases tracks receipts handed out by Consume so Nack can decide
	// between redelivery and dead-lettering.
	leases map[string]sqsLease
}

type sqsLease struct {
	msg      Message
	deadline time.Time
}

// NewSQSBroker returns an unconnected broker.
func NewSQSBroker(client SQSAPI, urlPrefix string, logger types.Logger) *SQSBroker {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if urlPrefix != "" && !strings.HasSuffix(urlPrefix, "/") {
		urlPrefix += "/"
	}
	return &SQSBroker{
		client:    client,
		urlPrefix: urlPrefix,
		logger:    logger.With("component", "sqs_broker"),
		now:       time.Now,
		queues:    newQueueSet(nil),
		leases:    make(map[string]sqsLease),
	}
}

func (b *SQSBroker) Name() string { return "sqs" }

// QueueURL returns the SQS URL for a queue or DLQ name.
func (b *SQSBroker) QueueURL(name string) string {
	return b.urlPrefix + SQSQueueName(name)
}

// Connect marks the broker usable. SQS is connectionless; reachability is
// verified per queue by InitializeQueues.
func (b *SQSBroker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return fmt.Errorf("%w: no SQS client", ErrBrokerUnavailable)
	}
	b.connected = true
	return nil
}

func (b *SQSBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.leases = make(map[string]sqsLease)
	return nil
}

func (b *SQSBroker) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *SQSBroker) Ping(ctx context.Context) error {
	if !b.Connected() {
		return ErrBrokerUnavailable
	}
	queues := b.Queues()
	if len(queues) == 0 {
		return nil
	}
	_, err := b.approximateCounts(ctx, queues[0].Name)
	return err
}

// InitializeQueues verifies that each queue and its DLQ exist.
func (b *SQSBroker) InitializeQueues(ctx context.Context, queues []types.QueueConfig) error {
	if !b.Connected() {
		return ErrBrokerUnavailable
	}
	for _, q := range queues {
		for _, name := range []string{q.Name, q.DeadLetterName()} {
			if _, err := b.approximateCounts(ctx, name); err != nil {
				return fmt.Errorf("declare queue %s: %w", name, err)
			}
		}
	}
	b.mu.Lock()
	b.queues = newQueueSet(queues)
	b.mu.Unlock()
	b.logger.Info("queues initialized", "count", len(queues))
	return nil
}

func (b *SQSBroker) Queues() []types.QueueConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.queues.list()
}

func (b *SQSBroker) Enqueue(ctx context.Context, queue string, body []byte) (string, error) {
	if _, err := b.queueConfig(queue, false); err != nil {
		return "", err
	}
	return b.send(ctx, queue, body)
}

func (b *SQSBroker) send(ctx context.Context, queue string, body []byte) (string, error) {
	out, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.QueueURL(queue)),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return aws.ToString(out.MessageId), nil
}

func (b *SQSBroker) Consume(ctx context.Context, queue string) (*Message, error) {
	cfg, err := b.queueConfig(queue, false)
	if err != nil {
		return nil, err
	}
	msgs, err := b.receive(ctx, queue, 1, int32(cfg.VisibilityTimeout.Seconds()))
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	msg := msgs[0]
	b.mu.Lock()
	b.leases[msg.Receipt] = sqsLease{msg: msg, deadline: b.now().Add(cfg.VisibilityTimeout)}
	b.mu.Unlock()
	return &msg, nil
}

func (b *SQSBroker) receive(ctx context.Context, queue string, max int32, visibility int32) ([]Message, error) {
	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(b.QueueURL(queue)),
		MaxNumberOfMessages: max,
		VisibilityTimeout:   visibility,
		WaitTimeSeconds:     0,
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
			sqstypes.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		rc, _ := strconv.Atoi(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
		sent, _ := strconv.ParseInt(m.Attributes[string(sqstypes.MessageSystemAttributeNameSentTimestamp)], 10, 64)
		failures := rc - 1
		if failures < 0 {
			failures = 0
		}
		msgs = append(msgs, Message{
			ID:           aws.ToString(m.MessageId),
			Queue:        queue,
			Body:         []byte(aws.ToString(m.Body)),
			Receipt:      aws.ToString(m.ReceiptHandle),
			ReceiveCount: rc,
			Failures:     failures,
			EnqueuedAt:   time.UnixMilli(sent).UTC(),
		})
	}
	return msgs, nil
}

// Ack deletes the message. An invalid or expired receipt is ignored.
func (b *SQSBroker) Ack(ctx context.Context, queue, receipt string) error {
	if _, err := b.queueConfig(queue, false); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.leases, receipt)
	b.mu.Unlock()
	return b.delete(ctx, queue, receipt)
}

func (b *SQSBroker) delete(ctx context.Context, queue, receipt string) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.QueueURL(queue)),
		ReceiptHandle: aws.String(receipt),
	})
	var invalid *sqstypes.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		b.logger.Warn("ack ignored, receipt invalid", "queue", queue)
		return nil
	}
	if err != nil {
		return fmt.Errorf("ack %s: %w", queue, err)
	}
	return nil
}

// Nack hides the message for delay, rounded up to whole seconds, or moves it
// to the DLQ once the receive count exceeds the queue's threshold.
func (b *SQSBroker) Nack(ctx context.Context, queue, receipt string, delay time.Duration) (NackOutcome, error) {
	cfg, err := b.queueConfig(queue, false)
	if err != nil {
		return NackOutcome{}, err
	}
	b.mu.Lock()
	lease, ok := b.leases[receipt]
	delete(b.leases, receipt)
	b.mu.Unlock()
	if !ok {
		return NackOutcome{Stale: true}, nil
	}

	failures := lease.msg.ReceiveCount
	if threshold := cfg.EffectiveThreshold(); threshold > 0 && failures > threshold {
		if _, err := b.send(ctx, cfg.DeadLetterName(), lease.msg.Body); err != nil {
			return NackOutcome{}, err
		}
		if err := b.delete(ctx, queue, receipt); err != nil {
			return NackOutcome{}, err
		}
		b.logger.Warn("message dead-lettered", "queue", queue, "message_id", lease.msg.ID, "failures", failures)
		return NackOutcome{Failures: failures, DeadLettered: true}, nil
	}

	_, err = b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(b.QueueURL(queue)),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: visibilitySeconds(delay),
	})
	var invalid *sqstypes.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return NackOutcome{Stale: true}, nil
	}
	if err != nil {
		return NackOutcome{}, fmt.Errorf("nack %s: %w", queue, err)
	}
	return NackOutcome{Failures: failures}, nil
}

// maxVisibility is the SQS ceiling for a visibility timeout.
const maxVisibility = 12 * time.Hour

func visibilitySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	d = min(d, maxVisibility)
	return int32((d + time.Second - 1) / time.Second)
}

// Reclaim only forgets local leases whose deadline passed; SQS itself makes
// the messages visible again.
func (b *SQSBroker) Reclaim(_ context.Context, queue string) (ReclaimResult, error) {
	if _, err := b.queueConfig(queue, false); err != nil {
		return ReclaimResult{}, err
	}
	now := b.now()
	var n int
	b.mu.Lock()
	for receipt, l := range b.leases {
		if l.msg.Queue == queue && now.After(l.deadline) {
			delete(b.leases, receipt)
			n++
		}
	}
	b.mu.Unlock()
	return ReclaimResult{Requeued: n}, nil
}

func (b *SQSBroker) approximateCounts(ctx context.Context, queue string) ([2]int64, error) {
	out, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(b.QueueURL(queue)),
		AttributeNames: []sqstypes.QueueAttributeName{
			sqstypes.QueueAttributeNameApproximateNumberOfMessages,
			sqstypes.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return [2]int64{}, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	ready, _ := strconv.ParseInt(out.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessages)], 10, 64)
	inflight, _ := strconv.ParseInt(out.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessagesNotVisible)], 10, 64)
	return [2]int64{ready, inflight}, nil
}

// Size is approximate on SQS.
func (b *SQSBroker) Size(ctx context.Context, queue string) (int64, error) {
	if _, err := b.queueConfig(queue, true); err != nil {
		return 0, err
	}
	c, err := b.approximateCounts(ctx, queue)
	if err != nil {
		return 0, err
	}
	return c[0] + c[1], nil
}

// Purge returns the approximate size before the purge. SQS completes purges
// asynchronously within 60 seconds.
func (b *SQSBroker) Purge(ctx context.Context, queue string) (int64, error) {
	size, err := b.Size(ctx, queue)
	if err != nil {
		return 0, err
	}
	if _, err := b.client.PurgeQueue(ctx, &sqs.PurgeQueueInput{QueueUrl: aws.String(b.QueueURL(queue))}); err != nil {
		return 0, fmt.Errorf("purge %s: %w", queue, err)
	}
	b.logger.Warn("queue purged", "queue", queue, "removed", size)
	return size, nil
}

func (b *SQSBroker) Stats(ctx context.Context) (map[string]QueueStats, error) {
	if !b.Connected() {
		return nil, ErrBrokerUnavailable
	}
	queues := b.Queues()
	out := make(map[string]QueueStats, len(queues))
	for _, q := range queues {
		main, err := b.approximateCounts(ctx, q.Name)
		if err != nil {
			return nil, err
		}
		dlq, err := b.approximateCounts(ctx, q.DeadLetterName())
		if err != nil {
			return nil, err
		}
		out[q.Name] = QueueStats{
			Name:         q.Name,
			Ready:        main[0],
			InFlight:     main[1],
			DeadLettered: dlq[0] + dlq[1],
		}
	}
	return out, nil
}

// DeadLetters peeks at up to limit messages (at most 10 per receive) using
// a zero visibility timeout so they stay available.
func (b *SQSBroker) DeadLetters(ctx context.Context, queue string, limit int) ([]Message, error) {
	cfg, err := b.queueConfig(queue, false)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 10 {
		limit = 10
	}
	return b.receive(ctx, cfg.DeadLetterName(), int32(limit), 0)
}

// Replay drains the DLQ back into the queue.
func (b *SQSBroker) Replay(ctx context.Context, queue string) (int, error) {
	cfg, err := b.queueConfig(queue, false)
	if err != nil {
		return 0, err
	}
	dlq := cfg.DeadLetterName()
	moved := 0
	for {
		msgs, err := b.receive(ctx, dlq, 10, 30)
		if err != nil {
			return moved, err
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			if _, err := b.send(ctx, queue, m.Body); err != nil {
				return moved, err
			}
			if err := b.delete(ctx, dlq, m.Receipt); err != nil {
				return moved, err
			}
			moved++
		}
	}
	if moved > 0 {
		b.logger.Info("dead letters replayed", "queue", queue, "count", moved)
	}
	return moved, nil
}

func (b *SQSBroker) queueConfig(queue string, allowDLQ bool) (types.QueueConfig, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return types.QueueConfig{}, ErrBrokerUnavailable
	}
	if IsDeadLetterQueue(queue) && !allowDLQ {
		return types.QueueConfig{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	cfg, ok := b.queues.lookup(queue)
	if !ok {
		return types.QueueConfig{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	return cfg, nil
}
