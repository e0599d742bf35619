package types

// ListOptions selects a page of a user's notifications. Page is 1-based.
type ListOptions struct {
	Page       int
	Limit      int
	UnreadOnly bool
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Normalize clamps the page and limit into their valid ranges.
func (o ListOptions) Normalize() ListOptions {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit < 1 {
		o.Limit = DefaultPageLimit
	}
	if o.Limit > MaxPageLimit {
		o.Limit = MaxPageLimit
	}
	return o
}

// Offset returns the number of rows to skip.
func (o ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}

// NotificationPage is one page of a user's notifications, newest first.
type NotificationPage struct {
	Notifications []*Notification `json:"notifications"`
	TotalCount    int             `json:"totalCount"`
	Page          int             `json:"page"`
	Limit         int             `json:"limit"`
	HasMore       bool            `json:"hasMore"`
	UnreadCount   int             `json:"unreadCount"`
}

// ResponseMeta contains non-blocking metadata returned with API responses.
type ResponseMeta struct {
	Warnings []string `json:"warnings,omitempty"`
}
