package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON  ErrorCode = "validation_invalid_json"
	ErrCodeValidationInvalidField ErrorCode = "validation_invalid_field"
	ErrCodeValidationInvalidQueue ErrorCode = "validation_invalid_queue"
	ErrCodeValidationBatchSize    ErrorCode = "validation_batch_size_exceeded"
	ErrCodeBulkPartialFailure     ErrorCode = "bulk_partial_failure"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Limits (429)
	ErrCodeRateLimit ErrorCode = "rate_limit_exceeded"

	// Not Found (404)
	ErrCodeNotFoundNotification   ErrorCode = "not_found_notification"
	ErrCodeNotFoundSubscription   ErrorCode = "not_found_subscription"
	ErrCodeNotFoundDeliveryTarget ErrorCode = "not_found_delivery_target"
	ErrCodeNotFoundRoute          ErrorCode = "not_found_route"

	// Conflict (409)
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"

	// Upstream (502)
	ErrCodeUpstreamPushUnavailable  ErrorCode = "upstream_push_unavailable"
	ErrCodeUpstreamPushRejected     ErrorCode = "upstream_push_rejected"
	ErrCodeUpstreamEmailUnavailable ErrorCode = "upstream_email_unavailable"
	ErrCodeUpstreamChatUnavailable  ErrorCode = "upstream_chat_unavailable"
	ErrCodeUpstreamUnavailable      ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited      ErrorCode = "upstream_rate_limited"

	// Dependency unavailable (503)
	ErrCodeUnavailableBroker       ErrorCode = "unavailable_broker"
	ErrCodeUnavailableQueueManager ErrorCode = "unavailable_queue_manager"
	ErrCodeUnavailableStore        ErrorCode = "unavailable_store"

	// Internal (500)
	ErrCodeInternalDB             ErrorCode = "internal_database_error"
	ErrCodeInternalBroker         ErrorCode = "internal_broker_error"
	ErrCodeInternalDeliveryFailed ErrorCode = "internal_delivery_failed"
	ErrCodeInternalUnexpected     ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case s == string(ErrCodeBulkPartialFailure):
		return http.StatusMultiStatus // 207
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case s == string(ErrCodeRateLimit), s == string(ErrCodeUpstreamRateLimited):
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "unavailable_"):
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the pipeline.
// Errors that cross a component boundary should be expressed as AppError so the
// HTTP layer and the CLI can report them consistently.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf returns the ErrorCode of the first AppError in err's chain, or
// ErrCodeInternalUnexpected when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}
