// Package retry provides exponential backoff with jitter for calls to
// external collaborators (billing ledgers, database handoffs).
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// AfterError asks Do to wait at least Delay before the next attempt, for
// collaborators that tell us when to come back (HTTP 429 Retry-After).
type AfterError struct {
	Err   error
	Delay time.Duration
}

func (e *AfterError) Error() string { return e.Err.Error() }
func (e *AfterError) Unwrap() error { return e.Err }

// After wraps err with a minimum delay before the next attempt.
func After(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &AfterError{Err: err, Delay: d}
}

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy describes how many times to try and how long to wait in between.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // zero means uncapped
}

// DefaultPolicy is used for billing handoffs.
var DefaultPolicy = Policy{MaxAttempts: 4, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

// Do runs fn until it succeeds, returns a *PermanentError, the attempts are
// exhausted, or ctx is cancelled. The delay doubles on each retry with
// +-25% jitter; an *AfterError raises the next wait to its Delay, still
// bounded by MaxDelay. fn receives the zero-based attempt number.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts-1 {
			break
		}

		wait := jittered(delay)
		var ae *AfterError
		if errors.As(err, &ae) && ae.Delay > wait {
			wait = ae.Delay
			if p.MaxDelay > 0 && wait > p.MaxDelay {
				wait = p.MaxDelay
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return err
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := d / 4
	return d - jitter + time.Duration(rand.Int64N(int64(2*jitter+1)))
}
