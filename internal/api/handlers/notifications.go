// Package handlers contains the HTTP handlers mounted under /api.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"pushpipe/internal/core"
	"pushpipe/internal/notifications"
	"pushpipe/internal/types"
)

// NotificationService is the slice of notifications.Controller the HTTP
// layer depends on.
type NotificationService interface {
	SendNotification(ctx context.Context, req notifications.SendRequest) (*notifications.SendResult, error)
	SendBulk(ctx context.Context, req notifications.BulkRequest) (*notifications.BulkResult, error)
	Subscribe(ctx context.Context, userID, token string, deviceType types.DeviceType) (*types.DeviceToken, error)
	Unsubscribe(ctx context.Context, token string) error
	ListNotifications(ctx context.Context, userID string, opts types.ListOptions) (*types.NotificationPage, error)
	MarkAsRead(ctx context.Context, id, userID string) (*types.Notification, error)
	DeleteNotification(ctx context.Context, id, userID string) error
	Stats(ctx context.Context, userID string) (*types.NotificationStats, error)
}

// SubscribeRequest is the body of POST /api/notifications/subscribe.
type SubscribeRequest struct {
	UserID     string           `json:"userId" validate:"required"`
	Token      string           `json:"token" validate:"required"`
	DeviceType types.DeviceType `json:"deviceType" validate:"omitempty,oneof=web android ios"`
}

// OwnerRequest carries the owning user for read and delete.
type OwnerRequest struct {
	UserID string `json:"userId" validate:"required"`
}

type SendResponse struct {
	Success        bool                  `json:"success"`
	NotificationID string                `json:"notificationId"`
	Queued         bool                  `json:"queued"`
	Queue          string                `json:"queue,omitempty"`
	MessageID      string                `json:"messageId,omitempty"`
	Result         *types.DeliveryResult `json:"result,omitempty"`
	Message        string                `json:"message"`
}

type BulkResponse struct {
	Success bool                      `json:"success"`
	Results []notifications.BulkItem  `json:"results"`
	Errors  []notifications.BulkError `json:"errors"`
	Code    types.ErrorCode           `json:"code,omitempty"`
}

type NotificationHandler struct {
	svc       NotificationService
	validator *core.Validator
	logger    *slog.Logger
}

func NewNotificationHandler(svc NotificationService, v *core.Validator, logger *slog.Logger) *NotificationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationHandler{svc: svc, validator: v, logger: logger}
}

// RegisterRoutes mounts the handler under /notifications.
func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Post("/send", h.Send)
		r.Post("/send-bulk", h.SendBulk)
		r.Post("/subscribe", h.Subscribe)
		r.Delete("/unsubscribe/{token}", h.Unsubscribe)
		r.Get("/user/{userId}", h.List)
		r.Get("/user/{userId}/stats", h.Stats)
		r.Put("/{id}/read", h.MarkAsRead)
		r.Delete("/{id}", h.Delete)
	})
}

// Send handles POST /api/notifications/send.
func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req notifications.SendRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	res, err := h.svc.SendNotification(r.Context(), req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	msg := "Notification sent"
	switch {
	case res.Queued:
		msg = "Notification queued for delivery"
	case res.Result != nil && res.Result.Simulation:
		msg = "Notification sent (simulation)"
	}
	core.JSON(w, r, http.StatusOK, SendResponse{
		Success:        true,
		NotificationID: res.NotificationID,
		Queued:         res.Queued,
		Queue:          res.Queue,
		MessageID:      res.MessageID,
		Result:         res.Result,
		Message:        msg,
	})
}

// SendBulk handles POST /api/notifications/send-bulk. Per-recipient
// failures are reported in errors with a 200; success is false only when
// every recipient failed.
func (h *NotificationHandler) SendBulk(w http.ResponseWriter, r *http.Request) {
	var req notifications.BulkRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	res, err := h.svc.SendBulk(r.Context(), req)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	results, errs := res.Results, res.Errors
	if results == nil {
		results = []notifications.BulkItem{}
	}
	if errs == nil {
		errs = []notifications.BulkError{}
	}
	core.JSON(w, r, http.StatusOK, BulkResponse{
		Success: len(results) > 0 || len(errs) == 0,
		Results: results,
		Errors:  errs,
		Code:    res.Code,
	})
}

// List handles GET /api/notifications/user/{userId}.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	page, err := h.svc.ListNotifications(r.Context(), chi.URLParam(r, "userId"), opts)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if page.Notifications == nil {
		page.Notifications = []*types.Notification{}
	}
	core.JSON(w, r, http.StatusOK, map[string]any{"success": true, "notifications": page})
}

// Stats handles GET /api/notifications/user/{userId}/stats.
func (h *NotificationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

// MarkAsRead handles PUT /api/notifications/{id}/read.
func (h *NotificationHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.owner(w, r)
	if !ok {
		return
	}
	n, err := h.svc.MarkAsRead(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]any{"success": true, "notification": n})
}

// Delete handles DELETE /api/notifications/{id}.
func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.owner(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteNotification(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]any{"success": true})
}

// Subscribe handles POST /api/notifications/subscribe.
func (h *NotificationHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	sub, err := h.svc.Subscribe(r.Context(), req.UserID, req.Token, req.DeviceType)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]any{"success": true, "subscription": sub})
}

// Unsubscribe handles DELETE /api/notifications/unsubscribe/{token}.
func (h *NotificationHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Unsubscribe(r.Context(), chi.URLParam(r, "token")); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]any{"success": true})
}

// owner reads userId from the body, falling back to the query string for
// clients that cannot send a DELETE body.
func (h *NotificationHandler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req OwnerRequest
	if err := core.DecodeOptionalJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return "", false
	}
	if req.UserID == "" {
		req.UserID = r.URL.Query().Get("userId")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return "", false
	}
	return req.UserID, true
}

func (h *NotificationHandler) decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := core.DecodeJSON(w, r, dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	return true
}

func parseListOptions(r *http.Request) (types.ListOptions, error) {
	q := r.URL.Query()
	var opts types.ListOptions
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &opts.Page}, {"limit", &opts.Limit}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return opts, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
				p.name+" must be a positive integer", err, map[string]any{"field": p.name})
		}
		*p.dst = n
	}
	if raw := q.Get("unreadOnly"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
				"unreadOnly must be a boolean", err, map[string]any{"field": "unreadOnly"})
		}
		opts.UnreadOnly = b
	}
	return opts, nil
}
