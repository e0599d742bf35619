package types

import "time"

// JobMessage is the broker payload for one queued delivery. It carries
// everything a consumer needs to attempt delivery without re-reading the
// request; the Store record stays the source of truth for status.
type JobMessage struct {
	NotificationID string         `json:"notification_id"`
	Recipient      string         `json:"recipient"`
	Audience       Audience       `json:"audience"`
	Channel        Channel        `json:"channel"`
	Type           string         `json:"type,omitempty"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	Data           map[string]any `json:"data,omitempty"`
	Priority       Priority       `json:"priority,omitempty"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
	TraceID        string         `json:"trace_id,omitempty"`
	Test           bool           `json:"test,omitempty"`
}
