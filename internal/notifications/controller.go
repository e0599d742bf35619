// Package notifications is the entry point for sending notifications and for
// the user-facing reads and writes around them.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"pushpipe/internal/config"
	"pushpipe/internal/notifications/core"
	"pushpipe/internal/push"
	"pushpipe/internal/queue"
	"pushpipe/internal/retry"
	"pushpipe/internal/store"
	"pushpipe/internal/types"
)

// Enqueuer hands jobs to the broker. *queue.Manager implements it.
type Enqueuer interface {
	IsConnected() bool
	Enqueue(ctx context.Context, queue string, job types.JobMessage) (string, error)
}

// Options tunes dispatch.
type Options struct {
	// Mode is config.ModeQueued or config.ModeDirect.
	Mode              string
	Send              retry.Policy
	Bulk              retry.Policy
	BulkConcurrency   int
	BulkMaxRecipients int
	// RetryOptions are passed to every synchronous delivery.
	RetryOptions []retry.Option
}

// OptionsFromConfig maps delivery configuration onto Options.
func OptionsFromConfig(c config.DeliveryConfig) Options {
	return Options{
		Mode:              c.Mode,
		Send:              retry.Policy{MaxAttempts: c.SendMaxAttempts, BaseDelay: c.SendBaseDelay},
		Bulk:              retry.Policy{MaxAttempts: c.BulkMaxAttempts, BaseDelay: c.BulkBaseDelay},
		BulkConcurrency:   c.BulkConcurrency,
		BulkMaxRecipients: c.BulkMaxRecipients,
	}
}

// Controller creates notification jobs and dispatches them, either onto the
// broker or through a synchronous retry-wrapped delivery.
type Controller struct {
	store    store.Store
	gateway  push.Gateway
	delivery *core.DeliveryManager
	queue    Enqueuer
	opts     Options
	logger   types.Logger
	now      func() time.Time
}

// NewController wires a Controller. q may be nil when no broker is
// available; every send is then delivered synchronously.
func NewController(st store.Store, gw push.Gateway, dm *core.DeliveryManager, q Enqueuer, logger types.Logger, opts Options) *Controller {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if opts.Mode == "" {
		opts.Mode = config.ModeQueued
	}
	if opts.BulkConcurrency < 1 {
		opts.BulkConcurrency = 10
	}
	if opts.BulkMaxRecipients < 1 {
		opts.BulkMaxRecipients = 1000
	}
	return &Controller{
		store:    st,
		gateway:  gw,
		delivery: dm,
		queue:    q,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Queued reports whether sends currently go through the broker.
func (c *Controller) Queued() bool {
	return c.opts.Mode == config.ModeQueued && c.queue != nil && c.queue.IsConnected()
}

// SendNotification validates req, creates a pending job and dispatches it.
//
// A push to a user without active tokens fails with not_found_delivery_target
// before anything is stored. In direct mode the call returns after delivery;
// when the retries are used up the job is marked failed and
// internal_delivery_failed is returned.
func (c *Controller) SendNotification(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	return c.dispatch(ctx, req, c.opts.Send)
}

func (c *Controller) dispatch(ctx context.Context, req SendRequest, policy retry.Policy) (*SendResult, error) {
	audience, recipient := req.target()
	if req.Channel == types.ChannelPush && audience == types.AudienceUser {
		if err := c.requireTargets(ctx, req.UserID); err != nil {
			return nil, err
		}
	}

	queueName := queue.Route(req.Channel, req.Priority)
	n, err := c.store.CreateNotification(ctx, &types.Notification{
		UserID:    req.UserID,
		Audience:  audience,
		Channel:   req.Channel,
		Type:      req.Type,
		Title:     req.Title,
		Body:      req.Body,
		Data:      req.Data,
		QueueName: queueName,
	})
	if err != nil {
		return nil, storeError("create notification", err)
	}

	job := types.JobMessage{
		NotificationID: n.ID,
		Recipient:      recipient,
		Audience:       audience,
		Channel:        req.Channel,
		Type:           req.Type,
		Title:          req.Title,
		Body:           req.Body,
		Data:           req.Data,
		Priority:       req.Priority,
		EnqueuedAt:     c.now().UTC(),
		TraceID:        types.GetRequestID(ctx),
	}

	if c.Queued() {
		id, err := c.queue.Enqueue(ctx, queueName, job)
		if err == nil {
			return &SendResult{NotificationID: n.ID, Queued: true, Queue: queueName, MessageID: id}, nil
		}
		c.logger.Warn("enqueue failed; delivering directly", "notification_id", n.ID, "queue", queueName, "error", err)
	}

	res, err := c.delivery.Deliver(ctx, job, policy, c.opts.RetryOptions...)
	if err != nil {
		return nil, deliveryError(n.ID, err)
	}
	return &SendResult{NotificationID: n.ID, Result: res}, nil
}

func (c *Controller) requireTargets(ctx context.Context, userID string) error {
	tokens, err := c.store.GetUserTokens(ctx, userID)
	if err != nil {
		return storeError("load tokens", err)
	}
	for _, t := range tokens {
		if t.Active {
			return nil
		}
	}
	return types.NewAppErrorWithDetails(types.ErrCodeNotFoundDeliveryTarget,
		fmt.Sprintf("no active device tokens for user %s", userID), nil,
		map[string]any{"userId": userID})
}

// SendBulk sends one push notification to each user independently, with the
// bulk retry budget and at most BulkConcurrency in flight. A failing
// recipient never aborts the others; only request validation fails the call.
func (c *Controller) SendBulk(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	switch {
	case len(req.UserIDs) == 0:
		return nil, missing("userIds")
	case len(req.UserIDs) > c.opts.BulkMaxRecipients:
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationBatchSize,
			fmt.Sprintf("at most %d recipients per request", c.opts.BulkMaxRecipients), nil,
			map[string]any{"max": c.opts.BulkMaxRecipients, "got": len(req.UserIDs)})
	case blank(req.Title):
		return nil, missing("title")
	case blank(req.Body):
		return nil, missing("body")
	}

	type outcome struct {
		item *BulkItem
		err  *BulkError
	}
	outcomes := make([]outcome, len(req.UserIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.BulkConcurrency)
	for i, userID := range req.UserIDs {
		g.Go(func() error {
			sr := SendRequest{
				UserID: userID, Title: req.Title, Body: req.Body, Data: req.Data,
				Type: req.Type, Channel: types.ChannelPush, Priority: req.Priority,
			}
			err := sr.normalize()
			var res *SendResult
			if err == nil {
				res, err = c.dispatch(gctx, sr, c.opts.Bulk)
			}
			if err != nil {
				be := &BulkError{UserID: userID, Code: types.CodeOf(err), Error: err.Error()}
				var appErr *types.AppError
				if errors.As(err, &appErr) {
					if id, ok := appErr.Details["notificationId"].(string); ok {
						be.NotificationID = id
					}
				}
				outcomes[i] = outcome{err: be}
				return nil
			}
			outcomes[i] = outcome{item: &BulkItem{UserID: userID, SendResult: *res}}
			return nil
		})
	}
	_ = g.Wait()

	out := &BulkResult{Results: []BulkItem{}, Errors: []BulkError{}}
	for _, o := range outcomes {
		if o.item != nil {
			out.Results = append(out.Results, *o.item)
		} else if o.err != nil {
			out.Errors = append(out.Errors, *o.err)
		}
	}
	if len(out.Errors) > 0 && len(out.Results) > 0 {
		out.Code = types.ErrCodeBulkPartialFailure
	}
	c.logger.Info("bulk send finished", "recipients", len(req.UserIDs), "succeeded", len(out.Results), "failed", len(out.Errors))
	return out, nil
}

// Subscribe registers a device token for a user.
func (c *Controller) Subscribe(ctx context.Context, userID, token string, deviceType types.DeviceType) (*types.DeviceToken, error) {
	switch {
	case blank(userID):
		return nil, missing("userId")
	case blank(token):
		return nil, missing("token")
	}
	if deviceType == "" {
		deviceType = types.DeviceWeb
	}
	switch deviceType {
	case types.DeviceWeb, types.DeviceAndroid, types.DeviceIOS:
	default:
		return nil, invalid("deviceType", "deviceType must be one of web, android, ios")
	}
	sub, err := c.gateway.RegisterToken(ctx, userID, token, deviceType)
	if err != nil {
		return nil, storeError("register token", err)
	}
	return sub, nil
}

// Unsubscribe deactivates a device token.
func (c *Controller) Unsubscribe(ctx context.Context, token string) error {
	if blank(token) {
		return missing("token")
	}
	ok, err := c.store.DeleteSubscription(ctx, token)
	if err != nil {
		return storeError("delete subscription", err)
	}
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// ListNotifications returns one page of a user's notifications.
func (c *Controller) ListNotifications(ctx context.Context, userID string, opts types.ListOptions) (*types.NotificationPage, error) {
	if blank(userID) {
		return nil, missing("userId")
	}
	page, err := c.store.GetUserNotifications(ctx, userID, opts.Normalize())
	if err != nil {
		return nil, storeError("list notifications", err)
	}
	return page, nil
}

// MarkAsRead marks a notification owned by userID as read.
func (c *Controller) MarkAsRead(ctx context.Context, id, userID string) (*types.Notification, error) {
	if blank(userID) {
		return nil, missing("userId")
	}
	n, err := c.store.MarkAsRead(ctx, id, userID)
	if err != nil {
		return nil, storeError("mark as read", err)
	}
	return n, nil
}

// DeleteNotification removes a notification owned by userID.
func (c *Controller) DeleteNotification(ctx context.Context, id, userID string) error {
	if blank(userID) {
		return missing("userId")
	}
	ok, err := c.store.DeleteNotification(ctx, id, userID)
	if err != nil {
		return storeError("delete notification", err)
	}
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundNotification, fmt.Sprintf("notification %s not found", id), nil)
	}
	return nil
}

// Stats aggregates a user's notifications.
func (c *Controller) Stats(ctx context.Context, userID string) (*types.NotificationStats, error) {
	if blank(userID) {
		return nil, missing("userId")
	}
	st, err := c.store.GetNotificationStats(ctx, userID)
	if err != nil {
		return nil, storeError("notification stats", err)
	}
	return st, nil
}

// storeError keeps AppErrors from the store and wraps anything else.
func storeError(op string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeInternalDB, op+" failed", err)
}

// deliveryError reports a failed synchronous delivery. Exhausted retries and
// unclassified errors become internal_delivery_failed; AppErrors keep their
// code. Both carry the notification ID.
func deliveryError(id string, err error) error {
	details := map[string]any{"notificationId": id}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		details["attempts"] = exhausted.Attempts
		return types.NewAppErrorWithDetails(types.ErrCodeInternalDeliveryFailed,
			fmt.Sprintf("delivery failed after %d attempts", exhausted.Attempts), err, details)
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.WithDetails(details)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeInternalDeliveryFailed, "delivery failed", err, details)
}
