// Package external wraps outbound HTTP calls to third-party endpoints with a
// circuit breaker, trace propagation and error mapping. It makes one attempt
// per call; callers own the retry budget.
package external

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"pushpipe/internal/retry"
	"pushpipe/internal/types"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 2048

// BreakerSettings tunes the circuit breaker.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker when exceeded.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// DefaultBreakerSettings trips after 5 consecutive failures and probes again
// after 30 seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second}
}

// Client is a breaker-guarded HTTP client for one upstream.
type Client struct {
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	userAgent string
	code      types.ErrorCode
}

// NewClient builds a Client. name labels the breaker; code is the AppError
// code used for upstream failures (for example upstream_chat_unavailable).
func NewClient(httpClient *http.Client, name, userAgent string, code types.ErrorCode, bs BreakerSettings) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     bs.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures > bs.ConsecutiveFailures
		},
	})
	return &Client{http: httpClient, breaker: cb, userAgent: userAgent, code: code}
}

// State exposes the breaker state for health reporting.
func (c *Client) State() gobreaker.State { return c.breaker.State() }

// Do sends req once. A 2xx/3xx response is returned for the caller to close.
// Failures come back as AppErrors: 429 and 5xx are transient
// (Details["retryAfter"] carries a Retry-After hint when present), other
// 4xx are wrapped with retry.Permanent, and an open breaker is transient.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if id := types.GetRequestID(req.Context()); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})
	if err == nil {
		if resp.StatusCode >= 400 {
			return nil, retry.Permanent(c.statusError(resp, nil))
		}
		return resp, nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, types.NewAppError(c.code, "circuit breaker open; upstream unavailable", err)
	case resp != nil:
		return nil, c.statusError(resp, err)
	default:
		return nil, types.NewAppError(c.code, "upstream request failed", err)
	}
}

// statusError maps a failed response to an AppError and closes its body.
func (c *Client) statusError(resp *http.Response, cause error) *types.AppError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if cause == nil {
		cause = fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	details := map[string]any{"status": resp.StatusCode}
	if len(body) > 0 {
		details["body"] = string(body)
	}
	code := c.code
	if resp.StatusCode == http.StatusTooManyRequests {
		code = types.ErrCodeUpstreamRateLimited
		if d, ok := RetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			details["retryAfter"] = d.String()
		}
	}
	return types.NewAppErrorWithDetails(code, fmt.Sprintf("upstream returned %d", resp.StatusCode), cause, details)
}

// RetryAfter parses a Retry-After header given as seconds or an HTTP date.
func RetryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
