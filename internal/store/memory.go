package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pushpipe/internal/types"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu            sync.RWMutex
	notifications map[string]*types.Notification
	// tokens is keyed by userID + "\x00" + token, which makes the upsert
	// key the same as the uniqueness key.
	tokens map[string]*types.DeviceToken
	now    func() time.Time
	seq    int64
}

// NewMemoryStore returns an empty store. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		notifications: make(map[string]*types.Notification),
		tokens:        make(map[string]*types.DeviceToken),
		now:           now,
	}
}

func tokenKey(userID, token string) string { return userID + "\x00" + token }

func clone(n *types.Notification) *types.Notification {
	c := *n
	if n.ReadAt != nil {
		t := *n.ReadAt
		c.ReadAt = &t
	}
	if n.Data != nil {
		c.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			c.Data[k] = v
		}
	}
	return &c
}

func (s *MemoryStore) CreateNotification(_ context.Context, n *types.Notification) (*types.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := clone(n)
	stored.ID = uuid.NewString()
	stored.Status = types.StatusPending
	stored.AttemptCount = 0
	// Nanosecond tiebreaker keeps newest-first ordering stable for records
	// created within the same clock tick.
	s.seq++
	stored.CreatedAt = s.now().UTC().Add(time.Duration(s.seq))
	stored.UpdatedAt = stored.CreatedAt
	s.notifications[stored.ID] = stored
	return clone(stored), nil
}

func (s *MemoryStore) GetNotification(_ context.Context, id string) (*types.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, notificationNotFound(id)
	}
	return clone(n), nil
}

func (s *MemoryStore) UpdateNotificationStatus(_ context.Context, id string, status types.NotificationStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return notificationNotFound(id)
	}
	if !types.CanTransition(n.Status, status) {
		return transitionConflict(id, n.Status, status)
	}
	n.Status = status
	if lastError != "" {
		n.LastError = lastError
	}
	n.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return 0, notificationNotFound(id)
	}
	n.AttemptCount++
	n.UpdatedAt = s.now().UTC()
	return n.AttemptCount, nil
}

func (s *MemoryStore) GetUserNotifications(_ context.Context, userID string, opts types.ListOptions) (*types.NotificationPage, error) {
	opts = opts.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*types.Notification
	unread := 0
	for _, n := range s.notifications {
		if n.UserID != userID {
			continue
		}
		if !n.Read {
			unread++
		}
		if opts.UnreadOnly && n.Read {
			continue
		}
		matched = append(matched, n)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := min(opts.Offset(), total)
	end := min(start+opts.Limit, total)
	items := make([]*types.Notification, 0, end-start)
	for _, n := range matched[start:end] {
		items = append(items, clone(n))
	}
	return pageOf(items, total, unread, opts), nil
}

func (s *MemoryStore) MarkAsRead(_ context.Context, id, userID string) (*types.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.UserID != userID {
		return nil, notificationNotFound(id)
	}
	if !n.Read {
		now := s.now().UTC()
		n.Read = true
		n.ReadAt = &now
		n.UpdatedAt = now
	}
	return clone(n), nil
}

func (s *MemoryStore) DeleteNotification(_ context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.UserID != userID {
		return false, nil
	}
	delete(s.notifications, id)
	return true, nil
}

func (s *MemoryStore) GetNotificationStats(_ context.Context, userID string) (*types.NotificationStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := newStats()
	for _, n := range s.notifications {
		if n.UserID != userID {
			continue
		}
		st.Total++
		if n.Read {
			st.Read++
		} else {
			st.Unread++
		}
		st.ByType[n.Type]++
		st.ByStatus[string(n.Status)]++
	}
	return st, nil
}

func (s *MemoryStore) CleanupOldNotifications(_ context.Context, daysOld int) (int64, error) {
	if err := validateDays(daysOld); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := cutoff(s.now().UTC(), daysOld)
	var n int64
	for id, rec := range s.notifications {
		if rec.CreatedAt.Before(before) {
			delete(s.notifications, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpsertSubscription(_ context.Context, userID, token string, deviceType types.DeviceType) (*types.DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	key := tokenKey(userID, token)
	t, ok := s.tokens[key]
	if !ok {
		t = &types.DeviceToken{ID: uuid.NewString(), UserID: userID, Token: token, CreatedAt: now}
		s.tokens[key] = t
	}
	t.DeviceType = deviceType
	t.Active = true
	t.UpdatedAt = now
	out := *t
	return &out, nil
}

func (s *MemoryStore) DeleteSubscription(ctx context.Context, token string) (bool, error) {
	n, err := s.DeactivateTokens(ctx, []string{token})
	return n > 0, err
}

func (s *MemoryStore) GetUserTokens(_ context.Context, userID string) ([]types.DeviceToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.DeviceToken
	for _, t := range s.tokens {
		if t.UserID == userID && t.Active {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeactivateTokens(_ context.Context, tokens []string) (int, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	n := 0
	for _, t := range s.tokens {
		if _, hit := set[t.Token]; hit && t.Active {
			t.Active = false
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }
