// Package kvstore is the shared backing store for rate-limit logs, prediction
// cache entries, cache locks and usage counters. Every mutation is a single
// atomic primitive so that many service instances can share the same keys.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist or expired.
	ErrNotFound = errors.New("kvstore: key not found")
	// ErrUnavailable wraps transport failures of the backing store.
	ErrUnavailable = errors.New("kvstore: store unavailable")
)

// WindowResult is the outcome of one sliding-log admission attempt.
type WindowResult struct {
	Allowed bool
	// Count is the number of events in the window after the attempt.
	Count int
	// Oldest is the timestamp of the oldest event still in the window.
	// Only set when the attempt was rejected.
	Oldest time.Time
}

// Store is the set of atomic primitives the pipeline relies on.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// DeleteIfEqual removes key only while it still holds value.
	DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error)

	// CapIncrBy adds delta to the integer at key unless the result would
	// exceed limit (limit < 0 disables the cap). A rejected call changes
	// nothing and returns the current value with ok=false. ttl is applied
	// when the key has no expiry yet.
	CapIncrBy(ctx context.Context, key string, delta, limit int64, ttl time.Duration) (value int64, ok bool, err error)

	// SlidingWindowAdd prunes events at or before now-window from the log at
	// key, then admits member at now if fewer than limit events remain. An
	// admitted event refreshes the key's expiry to window.
	SlidingWindowAdd(ctx context.Context, key string, now time.Time, window time.Duration, limit int, member string) (WindowResult, error)

	PingContext(ctx context.Context) error
	Close() error
}

// IncrBy adds delta to the integer at key without a cap.
func IncrBy(ctx context.Context, s Store, key string, delta int64, ttl time.Duration) (int64, error) {
	v, _, err := s.CapIncrBy(ctx, key, delta, -1, ttl)
	return v, err
}

// GetInt reads an integer counter, returning 0 for a missing key.
func GetInt(ctx context.Context, s Store, key string) (int64, error) {
	b, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseInt(b)
}
