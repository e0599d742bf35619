// Package retry runs an operation with bounded attempts and backoff.
// Errors wrapped with Permanent stop the loop immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy defines the attempt budget and the backoff between attempts.
//
// With BackoffFactor <= 1 the delay before attempt n+1 is BaseDelay*n
// (linear). With BackoffFactor > 1 it is BaseDelay*BackoffFactor^(n-1).
// MaxDelay caps either form when non-zero.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// Delay returns the wait after the given 1-based failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	if p.BackoffFactor <= 1 {
		d = p.BaseDelay * time.Duration(attempt)
	} else {
		f := float64(p.BaseDelay)
		for i := 1; i < attempt; i++ {
			f *= p.BackoffFactor
		}
		d = time.Duration(f)
	}
	if d < 0 {
		// overflow
		d = p.MaxDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var p *permanentError
	if errors.As(err, &p) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ExhaustedError is returned when every attempt failed with a retryable
// error. It unwraps to the last error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type options struct {
	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(attempt int, err error, next time.Duration)
}

// Option configures Do.
type Option func(*options)

// WithSleepFunc overrides the sleep used between attempts. Tests pass a
// recorder so they run instantly.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// WithOnRetry registers a hook invoked before each backoff sleep.
func WithOnRetry(fn func(attempt int, err error, next time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns a Permanent error, the context is
// done, or MaxAttempts is reached. fn receives the 1-based attempt number.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, opts ...Option) error {
	_, err := DoValue(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	}, opts...)
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error), opts ...Option) (T, error) {
	o := options{sleep: sleepContext}
	for _, opt := range opts {
		opt(&o)
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, err
		}

		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		if IsPermanent(err) {
			return zero, err
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		next := p.Delay(attempt)
		if o.onRetry != nil {
			o.onRetry(attempt, err, next)
		}
		if serr := o.sleep(ctx, next); serr != nil {
			return zero, fmt.Errorf("%w (last error: %v)", serr, lastErr)
		}
	}
	return zero, &ExhaustedError{Attempts: maxAttempts, Last: lastErr}
}
