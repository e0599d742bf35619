package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushpipe/internal/broker"
	"pushpipe/internal/core"
	"pushpipe/internal/notifications"
	"pushpipe/internal/queue"
	"pushpipe/internal/types"
)

// =============================================================================
// Mocks
// =============================================================================

type mockNotificationService struct {
	sendFn        func(ctx context.Context, req notifications.SendRequest) (*notifications.SendResult, error)
	bulkFn        func(ctx context.Context, req notifications.BulkRequest) (*notifications.BulkResult, error)
	subscribeFn   func(ctx context.Context, userID, token string, dt types.DeviceType) (*types.DeviceToken, error)
	unsubscribeFn func(ctx context.Context, token string) error
	listFn        func(ctx context.Context, userID string, opts types.ListOptions) (*types.NotificationPage, error)
	readFn        func(ctx context.Context, id, userID string) (*types.Notification, error)
	deleteFn      func(ctx context.Context, id, userID string) error
	statsFn       func(ctx context.Context, userID string) (*types.NotificationStats, error)

	lastListOpts types.ListOptions
}

func (m *mockNotificationService) SendNotification(ctx context.Context, req notifications.SendRequest) (*notifications.SendResult, error) {
	return m.sendFn(ctx, req)
}

func (m *mockNotificationService) SendBulk(ctx context.Context, req notifications.BulkRequest) (*notifications.BulkResult, error) {
	return m.bulkFn(ctx, req)
}

func (m *mockNotificationService) Subscribe(ctx context.Context, userID, token string, dt types.DeviceType) (*types.DeviceToken, error) {
	return m.subscribeFn(ctx, userID, token, dt)
}

func (m *mockNotificationService) Unsubscribe(ctx context.Context, token string) error {
	return m.unsubscribeFn(ctx, token)
}

func (m *mockNotificationService) ListNotifications(ctx context.Context, userID string, opts types.ListOptions) (*types.NotificationPage, error) {
	m.lastListOpts = opts
	return m.listFn(ctx, userID, opts)
}

func (m *mockNotificationService) MarkAsRead(ctx context.Context, id, userID string) (*types.Notification, error) {
	return m.readFn(ctx, id, userID)
}

func (m *mockNotificationService) DeleteNotification(ctx context.Context, id, userID string) error {
	return m.deleteFn(ctx, id, userID)
}

func (m *mockNotificationService) Stats(ctx context.Context, userID string) (*types.NotificationStats, error) {
	return m.statsFn(ctx, userID)
}

type mockQueueService struct {
	stats  *queue.DetailedStats
	err    error
	report queue.HealthReport
}

func (m *mockQueueService) GetDetailedStats(context.Context) (*queue.DetailedStats, error) {
	return m.stats, m.err
}

func (m *mockQueueService) HealthCheck(context.Context) queue.HealthReport {
	return m.report
}

// =============================================================================
// Helpers
// =============================================================================

func newRouter(svc NotificationService, qs QueueService) http.Handler {
	r := chi.NewRouter()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r.Route("/api", func(api chi.Router) {
		NewNotificationHandler(svc, core.NewValidator(), logger).RegisterRoutes(api)
		NewQueueHandler(qs).RegisterRoutes(api)
	})
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, rdr))
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// =============================================================================
// Notification routes
// =============================================================================

func TestSend(t *testing.T) {
	svc := &mockNotificationService{}
	h := newRouter(svc, &mockQueueService{})

	t.Run("direct simulation", func(t *testing.T) {
		var got notifications.SendRequest
		svc.sendFn = func(_ context.Context, req notifications.SendRequest) (*notifications.SendResult, error) {
			got = req
			return &notifications.SendResult{
				NotificationID: "n-1",
				Result:         &types.DeliveryResult{Success: true, DeliveredCount: 2, Simulation: true},
			}, nil
		}
		rec, body := do(t, h, http.MethodPost, "/api/notifications/send",
			`{"userId":"7","title":"Hi","body":"There","data":{"orderId":12},"type":"order"}`)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, "n-1", body["notificationId"])
		assert.Equal(t, "Notification sent (simulation)", body["message"])
		assert.Equal(t, true, body["result"].(map[string]any)["simulation"])
		assert.Equal(t, "7", got.UserID)
		assert.Equal(t, "order", got.Type)
		assert.EqualValues(t, 12, got.Data["orderId"])
	})

	t.Run("queued", func(t *testing.T) {
		svc.sendFn = func(context.Context, notifications.SendRequest) (*notifications.SendResult, error) {
			return &notifications.SendResult{NotificationID: "n-2", Queued: true, Queue: types.QueueNotification, MessageID: "m-1"}, nil
		}
		rec, body := do(t, h, http.MethodPost, "/api/notifications/send", `{"userId":"7","title":"Hi","body":"There"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["queued"])
		assert.Equal(t, "notification-queue", body["queue"])
		assert.Equal(t, "Notification queued for delivery", body["message"])
		assert.Nil(t, body["result"])
	})

	t.Run("service errors map to status", func(t *testing.T) {
		tests := []struct {
			err    error
			status int
			code   string
		}{
			{types.NewAppError(types.ErrCodeValidationMissingField, "title is required", nil), 400, "validation_missing_required_field"},
			{types.NewAppError(types.ErrCodeNotFoundDeliveryTarget, "no active device tokens", nil), 404, "not_found_delivery_target"},
			{types.NewAppError(types.ErrCodeInternalDeliveryFailed, "delivery failed after 3 attempts", nil), 500, "internal_delivery_failed"},
		}
		for _, tt := range tests {
			svc.sendFn = func(context.Context, notifications.SendRequest) (*notifications.SendResult, error) {
				return nil, tt.err
			}
			rec, body := do(t, h, http.MethodPost, "/api/notifications/send", `{"userId":"7","title":"Hi","body":"x"}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errCode(body))
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		rec, body := do(t, h, http.MethodPost, "/api/notifications/send", `{"userId":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "validation_invalid_json", errCode(body))
	})
}

func TestSendBulk(t *testing.T) {
	svc := &mockNotificationService{}
	h := newRouter(svc, &mockQueueService{})

	t.Run("partial failure is 200", func(t *testing.T) {
		svc.bulkFn = func(_ context.Context, req notifications.BulkRequest) (*notifications.BulkResult, error) {
			assert.Equal(t, []string{"1", "2"}, req.UserIDs)
			return &notifications.BulkResult{
				Results: []notifications.BulkItem{{UserID: "1", SendResult: notifications.SendResult{NotificationID: "n-1"}}},
				Errors:  []notifications.BulkError{{UserID: "2", Code: types.ErrCodeNotFoundDeliveryTarget, Error: "no tokens"}},
				Code:    types.ErrCodeBulkPartialFailure,
			}, nil
		}
		rec, body := do(t, h, http.MethodPost, "/api/notifications/send-bulk", `{"userIds":["1","2"],"title":"T","body":"B"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["success"])
		assert.Len(t, body["results"], 1)
		assert.Len(t, body["errors"], 1)
		assert.Equal(t, "bulk_partial_failure", body["code"])
	})

	t.Run("all failed", func(t *testing.T) {
		svc.bulkFn = func(context.Context, notifications.BulkRequest) (*notifications.BulkResult, error) {
			return &notifications.BulkResult{Errors: []notifications.BulkError{{UserID: "3", Code: types.ErrCodeNotFoundDeliveryTarget}}}, nil
		}
		rec, body := do(t, h, http.MethodPost, "/api/notifications/send-bulk", `{"userIds":["3"],"title":"T","body":"B"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, []any{}, body["results"])
	})

	t.Run("batch too large", func(t *testing.T) {
		svc.bulkFn = func(context.Context, notifications.BulkRequest) (*notifications.BulkResult, error) {
			return nil, types.NewAppError(types.ErrCodeValidationBatchSize, "too many recipients", nil)
		}
		rec, body := do(t, h, http.MethodPost, "/api/notifications/send-bulk", `{"userIds":["1"],"title":"T","body":"B"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "validation_batch_size_exceeded", errCode(body))
	})
}

func TestList(t *testing.T) {
	svc := &mockNotificationService{}
	h := newRouter(svc, &mockQueueService{})
	svc.listFn = func(_ context.Context, userID string, opts types.ListOptions) (*types.NotificationPage, error) {
		assert.Equal(t, "7", userID)
		return &types.NotificationPage{
			Notifications: []*types.Notification{{ID: "a"}, {ID: "b"}},
			TotalCount:    8, Page: opts.Page, Limit: opts.Limit, HasMore: true, UnreadCount: 8,
		}, nil
	}

	rec, body := do(t, h, http.MethodGet, "/api/notifications/user/7?unreadOnly=true&page=1&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.ListOptions{Page: 1, Limit: 5, UnreadOnly: true}, svc.lastListOpts)

	page := body["notifications"].(map[string]any)
	assert.Equal(t, true, page["hasMore"])
	assert.EqualValues(t, 8, page["unreadCount"])
	assert.EqualValues(t, 8, page["totalCount"])
	assert.Len(t, page["notifications"], 2)

	for _, q := range []string{"page=0", "limit=abc", "unreadOnly=maybe"} {
		rec, body := do(t, h, http.MethodGet, "/api/notifications/user/7?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, "validation_invalid_field", errCode(body), q)
	}
}

func TestStats(t *testing.T) {
	svc := &mockNotificationService{statsFn: func(_ context.Context, userID string) (*types.NotificationStats, error) {
		return &types.NotificationStats{Total: 3, Read: 1, Unread: 2, ByType: map[string]int{"order": 3}}, nil
	}}
	rec, body := do(t, newRouter(svc, &mockQueueService{}), http.MethodGet, "/api/notifications/user/7/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["stats"].(map[string]any)["unread"])
}

func TestMarkAsReadAndDelete(t *testing.T) {
	svc := &mockNotificationService{}
	h := newRouter(svc, &mockQueueService{})
	svc.readFn = func(_ context.Context, id, userID string) (*types.Notification, error) {
		if userID != "7" {
			return nil, types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
		}
		return &types.Notification{ID: id, UserID: userID, Read: true, CreatedAt: time.Now()}, nil
	}
	var deleted []string
	svc.deleteFn = func(_ context.Context, id, userID string) error {
		if userID != "7" {
			return types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
		}
		deleted = append(deleted, id)
		return nil
	}

	rec, body := do(t, h, http.MethodPut, "/api/notifications/n-1/read", `{"userId":"7"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["notification"].(map[string]any)["read"])

	rec, body = do(t, h, http.MethodPut, "/api/notifications/n-1/read", `{"userId":"8"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found_notification", errCode(body))

	rec, body = do(t, h, http.MethodPut, "/api/notifications/n-1/read", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_missing_required_field", errCode(body))

	rec, _ = do(t, h, http.MethodDelete, "/api/notifications/n-1", `{"userId":"7"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodDelete, "/api/notifications/n-2?userId=7", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"n-1", "n-2"}, deleted)

	rec, _ = do(t, h, http.MethodDelete, "/api/notifications/n-3", `{"userId":"9"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	svc := &mockNotificationService{}
	h := newRouter(svc, &mockQueueService{})
	svc.subscribeFn = func(_ context.Context, userID, token string, dt types.DeviceType) (*types.DeviceToken, error) {
		return &types.DeviceToken{ID: "s-1", UserID: userID, Token: token, DeviceType: dt, Active: true}, nil
	}
	svc.unsubscribeFn = func(_ context.Context, token string) error {
		if token != "tok-1" {
			return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil
	}

	rec, body := do(t, h, http.MethodPost, "/api/notifications/subscribe", `{"userId":"7","token":"tok-1","deviceType":"ios"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	sub := body["subscription"].(map[string]any)
	assert.Equal(t, "ios", sub["deviceType"])
	assert.Equal(t, true, sub["active"])

	rec, body = do(t, h, http.MethodPost, "/api/notifications/subscribe", `{"userId":"7","token":"tok-1","deviceType":"fax"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_invalid_field", errCode(body))

	rec, body = do(t, h, http.MethodPost, "/api/notifications/subscribe", `{"userId":"7"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_missing_required_field", errCode(body))

	rec, _ = do(t, h, http.MethodDelete, "/api/notifications/unsubscribe/tok-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, body = do(t, h, http.MethodDelete, "/api/notifications/unsubscribe/tok-2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found_subscription", errCode(body))
}

// =============================================================================
// Queue routes
// =============================================================================

func TestQueueRoutes(t *testing.T) {
	qs := &mockQueueService{
		stats: &queue.DetailedStats{
			Overview: queue.Overview{Broker: "redis", TotalQueues: 1, TotalMessages: 3, Ready: 2, InFlight: 1},
			Queues: map[string]queue.QueueDetail{
				types.QueueNotification: {Size: 3, Stats: broker.QueueStats{Name: types.QueueNotification, Ready: 2, InFlight: 1}},
			},
		},
		report: queue.HealthReport{Status: queue.StatusHealthy, QueuesConfigured: 1},
	}
	h := newRouter(&mockNotificationService{}, qs)

	rec, body := do(t, h, http.MethodGet, "/api/queues/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	overview := body["stats"].(map[string]any)["overview"].(map[string]any)
	assert.EqualValues(t, 3, overview["totalMessages"])

	rec, body = do(t, h, http.MethodGet, "/api/queues/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	qs.report = queue.HealthReport{Status: queue.StatusUnhealthy, Reason: "queue manager is not connected"}
	qs.err = types.NewAppError(types.ErrCodeUnavailableQueueManager, "queue manager is not connected", nil)

	rec, body = do(t, h, http.MethodGet, "/api/queues/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "queue manager is not connected", body["reason"])

	rec, body = do(t, h, http.MethodGet, "/api/queues/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable_queue_manager", errCode(body))
}
