package types

import "time"

// NotificationStatus is the delivery lifecycle state of a notification job.
// Transitions are pending -> sent|failed and failed -> dead_lettered; any
// state may move to dead_lettered when the broker gives up on its message.
type NotificationStatus string

const (
	StatusPending      NotificationStatus = "pending"
	StatusSent         NotificationStatus = "sent"
	StatusFailed       NotificationStatus = "failed"
	StatusDeadLettered NotificationStatus = "dead_lettered"
)

// Valid reports whether s is a known status.
func (s NotificationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusDeadLettered:
		return true
	}
	return false
}

// Terminal reports whether no further delivery attempts will be made.
func (s NotificationStatus) Terminal() bool {
	return s == StatusSent || s == StatusDeadLettered
}

// Channel identifies the delivery medium.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat"
)

// Audience distinguishes a per-user multicast from a topic broadcast.
type Audience string

const (
	AudienceUser  Audience = "user"
	AudienceTopic Audience = "topic"
)

// Priority is a routing hint; high priority push jobs use the priority queue.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// DeviceType is the platform a token was issued for.
type DeviceType string

const (
	DeviceWeb     DeviceType = "web"
	DeviceAndroid DeviceType = "android"
	DeviceIOS     DeviceType = "ios"
)

// Notification is one attempted or queued delivery unit.
type Notification struct {
	ID           string             `json:"id"`
	UserID       string             `json:"userId"`
	Audience     Audience           `json:"audience"`
	Channel      Channel            `json:"channel"`
	Type         string             `json:"type"`
	Title        string             `json:"title"`
	Body         string             `json:"body"`
	Data         map[string]any     `json:"data,omitempty"`
	Status       NotificationStatus `json:"status"`
	AttemptCount int                `json:"attemptCount"`
	QueueName    string             `json:"queueName,omitempty"`
	LastError    string             `json:"lastError,omitempty"`
	Read         bool               `json:"read"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
	ReadAt       *time.Time         `json:"readAt,omitempty"`
}

// DeviceToken is a registered delivery endpoint for a user. Tokens are never
// deleted by the pipeline, only deactivated.
type DeviceToken struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Token      string     `json:"token"`
	DeviceType DeviceType `json:"deviceType"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// QueueConfig is the static per-queue delivery policy.
type QueueConfig struct {
	Name                string        `json:"name" yaml:"name"`
	VisibilityTimeout   time.Duration `json:"visibilityTimeout" yaml:"visibility_timeout"`
	RetryThreshold      int           `json:"retryThreshold" yaml:"retry_threshold"`
	DeadLetterThreshold int           `json:"deadLetterThreshold" yaml:"dead_letter_threshold"`
	MaxConcurrency      int           `json:"maxConcurrency" yaml:"max_concurrency"`
}

// EffectiveThreshold is the number of failures a message may accumulate
// before the next one sends it to the dead-letter queue. It is the smaller
// non-zero of the two configured thresholds.
func (q QueueConfig) EffectiveThreshold() int {
	r, d := q.RetryThreshold, q.DeadLetterThreshold
	switch {
	case r <= 0 && d <= 0:
		return 0
	case r <= 0:
		return d
	case d <= 0:
		return r
	case r < d:
		return r
	default:
		return d
	}
}

// DeadLetterName returns the name of the queue's dead-letter queue.
func (q QueueConfig) DeadLetterName() string {
	return DeadLetterQueueName(q.Name)
}

// DeadLetterQueueName returns "<queue>.dlq".
func DeadLetterQueueName(queue string) string {
	return queue + ".dlq"
}

// Named queues.
const (
	QueueEmail        = "email-queue"
	QueueNotification = "notification-queue"
	QueueChat         = "chat-queue"
	QueuePriority     = "priority-queue"
)

// TokenError is the provider's verdict for one token of a multicast send.
type TokenError struct {
	Token     string `json:"token"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Permanent bool   `json:"permanent"`
}

// DeliveryResult is the ephemeral outcome of one gateway send.
type DeliveryResult struct {
	Success        bool         `json:"success"`
	MessageID      string       `json:"messageId,omitempty"`
	DeliveredCount int          `json:"deliveredCount"`
	FailedCount    int          `json:"failedCount"`
	TokenErrors    []TokenError `json:"perTokenErrors,omitempty"`
	Simulation     bool         `json:"simulation,omitempty"`
	NoTargets      bool         `json:"noTargets,omitempty"`
}

// NotificationStats aggregates a user's notifications.
type NotificationStats struct {
	Total    int            `json:"total"`
	Read     int            `json:"read"`
	Unread   int            `json:"unread"`
	ByType   map[string]int `json:"byType"`
	ByStatus map[string]int `json:"byStatus"`
}

// statusPredecessors lists, per target status, the statuses it may be
// entered from. Re-entering the same status is always allowed so duplicate
// deliveries are harmless.
var statusPredecessors = map[NotificationStatus][]NotificationStatus{
	StatusPending:      {StatusPending, StatusFailed, StatusDeadLettered},
	StatusSent:         {StatusSent, StatusPending},
	StatusFailed:       {StatusFailed, StatusPending},
	StatusDeadLettered: {StatusDeadLettered, StatusPending, StatusFailed},
}

// AllowedPredecessors returns the statuses from which to may be entered.
func AllowedPredecessors(to NotificationStatus) []NotificationStatus {
	return statusPredecessors[to]
}

// CanTransition reports whether from -> to is a legal status change.
// Pending may be re-entered from failed or dead_lettered only by an operator
// replay.
func CanTransition(from, to NotificationStatus) bool {
	for _, s := range statusPredecessors[to] {
		if s == from {
			return true
		}
	}
	return false
}
