package notifications

import (
	"strings"

	"pushpipe/internal/types"
)

// DefaultType is stored when a request omits the notification type.
const DefaultType = "general"

// SendRequest asks for one notification.
//
// Channel defaults to push. Push notifications go to UserID's devices, or to
// Topic when set. Email notifications go to Recipient. Chat notifications
// go to the configured webhook. UserID always owns the stored record.
type SendRequest struct {
	UserID    string         `json:"userId"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	Type      string         `json:"type,omitempty"`
	Channel   types.Channel  `json:"channel,omitempty"`
	Recipient string         `json:"recipient,omitempty"`
	Topic     string         `json:"topic,omitempty"`
	Priority  types.Priority `json:"priority,omitempty"`
}

// SendResult describes how a send was dispatched. Result is set for
// synchronous deliveries; MessageID and Queue for queued ones.
type SendResult struct {
	NotificationID string                `json:"notificationId"`
	Queued         bool                  `json:"queued"`
	Queue          string                `json:"queue,omitempty"`
	MessageID      string                `json:"messageId,omitempty"`
	Result         *types.DeliveryResult `json:"result,omitempty"`
}

// BulkRequest fans one push notification out to many users.
type BulkRequest struct {
	UserIDs  []string       `json:"userIds"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data,omitempty"`
	Type     string         `json:"type,omitempty"`
	Priority types.Priority `json:"priority,omitempty"`
}

// BulkItem is one recipient's successful dispatch.
type BulkItem struct {
	UserID string `json:"userId"`
	SendResult
}

// BulkError is one recipient's failure.
type BulkError struct {
	UserID         string          `json:"userId"`
	NotificationID string          `json:"notificationId,omitempty"`
	Code           types.ErrorCode `json:"code"`
	Error          string          `json:"error"`
}

// BulkResult aggregates a bulk send. Code is bulk_partial_failure when
// some, but not all, recipients failed.
type BulkResult struct {
	Results []BulkItem      `json:"results"`
	Errors  []BulkError     `json:"errors"`
	Code    types.ErrorCode `json:"code,omitempty"`
}

func missing(field string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
		field+" is required", nil, map[string]any{"field": field})
}

func invalid(field, msg string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
		msg, nil, map[string]any{"field": field})
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

// normalize fills defaults and validates r in place.
func (r *SendRequest) normalize() error {
	switch {
	case blank(r.UserID):
		return missing("userId")
	case blank(r.Title):
		return missing("title")
	case blank(r.Body):
		return missing("body")
	}
	if r.Type == "" {
		r.Type = DefaultType
	}
	if r.Channel == "" {
		r.Channel = types.ChannelPush
	}
	if r.Priority == "" {
		r.Priority = types.PriorityNormal
	}

	switch r.Channel {
	case types.ChannelPush, types.ChannelChat:
	case types.ChannelEmail:
		if blank(r.Recipient) {
			return missing("recipient")
		}
	default:
		return invalid("channel", "channel must be one of push, email, chat")
	}
	if r.Priority != types.PriorityNormal && r.Priority != types.PriorityHigh {
		return invalid("priority", "priority must be normal or high")
	}
	if r.Topic != "" && r.Channel != types.ChannelPush {
		return invalid("topic", "topic is only valid for push notifications")
	}
	return nil
}

// target returns the job's audience and recipient.
func (r *SendRequest) target() (types.Audience, string) {
	switch {
	case r.Channel == types.ChannelPush && r.Topic != "":
		return types.AudienceTopic, r.Topic
	case r.Channel == types.ChannelEmail:
		return types.AudienceUser, strings.TrimSpace(r.Recipient)
	default:
		return types.AudienceUser, r.UserID
	}
}
