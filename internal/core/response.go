package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"pushpipe/internal/types"
)

// maxRequestBodySize caps request bodies at 1 MB.
const maxRequestBodySize = 1 << 20

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

// JSON writes data with the given status. A marshal failure becomes a 500.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(ErrorResponse{Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "failed to marshal response",
			RequestID: types.GetRequestID(r.Context()),
		}})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes err as an ErrorResponse. AppErrors keep their code, message
// and details; anything else is a generic 500 so internals never leak.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	detail := ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: types.GetRequestID(r.Context()),
	}
	status := http.StatusInternalServerError

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		detail.Code = string(appErr.Code)
		detail.Message = appErr.Message
		detail.Details = appErr.Details
		status = appErr.HTTPStatus()
	}
	if status >= 500 {
		if l := types.LoggerFromContext(r.Context()); l != nil {
			l.Error("request failed", "code", detail.Code, "error", err)
		}
	}
	JSON(w, r, status, ErrorResponse{Error: detail})
}

// DecodeJSON strictly decodes one JSON object from the body into dst.
// Unknown fields, trailing data, oversized and empty bodies are
// validation_invalid_json errors.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if dec.More() {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must contain a single JSON object", nil)
	}
	return nil
}

// DecodeOptionalJSON is DecodeJSON but treats an empty body as valid.
func DecodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := DecodeJSON(w, r, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func decodeError(err error) *types.AppError {
	var (
		maxBytes   *http.MaxBytesError
		syntax     *json.SyntaxError
		typeErr    *json.UnmarshalTypeError
		code       = types.ErrCodeValidationInvalidJSON
		unknownTag = "json: unknown field "
	)
	switch {
	case errors.As(err, &maxBytes):
		return types.NewAppError(code, "request body must not exceed 1MB", err)
	case errors.As(err, &syntax):
		return types.NewAppError(code, "malformed JSON in request body", err)
	case errors.As(err, &typeErr):
		return types.NewAppErrorWithDetails(code, "invalid value for field", err,
			map[string]any{"field": typeErr.Field, "expected": typeErr.Type.String()})
	case strings.HasPrefix(err.Error(), unknownTag):
		return types.NewAppError(code, "unknown field in request body: "+strings.TrimPrefix(err.Error(), unknownTag), err)
	case errors.Is(err, io.EOF):
		return types.NewAppError(code, "request body must not be empty", err)
	}
	return types.NewAppError(code, "invalid JSON in request body", err)
}
