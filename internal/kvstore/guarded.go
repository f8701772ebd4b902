package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/fraudguard/internal/circuitbreaker"
)

const breakerKey = "kvstore"

// Guarded wraps a Store with a circuit breaker. While the breaker is open,
// calls fail fast with ErrUnavailable instead of waiting on a dead server,
// so the limiter fails open and the cache degrades without adding latency.
type Guarded struct {
	inner   Store
	breaker *circuitbreaker.Breaker
}

// NewGuarded wraps inner with breaker.
func NewGuarded(inner Store, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

func isOutage(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func (g *Guarded) run(fn func() error) error {
	err := g.breaker.Execute(breakerKey, isOutage, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (g *Guarded) Get(ctx context.Context, key string) (b []byte, err error) {
	err = g.run(func() error {
		var e error
		b, e = g.inner.Get(ctx, key)
		return e
	})
	return b, err
}

func (g *Guarded) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.run(func() error { return g.inner.Set(ctx, key, value, ttl) })
}

func (g *Guarded) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (ok bool, err error) {
	err = g.run(func() error {
		var e error
		ok, e = g.inner.SetNX(ctx, key, value, ttl)
		return e
	})
	return ok, err
}

func (g *Guarded) Delete(ctx context.Context, key string) error {
	return g.run(func() error { return g.inner.Delete(ctx, key) })
}

func (g *Guarded) DeleteIfEqual(ctx context.Context, key string, value []byte) (ok bool, err error) {
	err = g.run(func() error {
		var e error
		ok, e = g.inner.DeleteIfEqual(ctx, key, value)
		return e
	})
	return ok, err
}

func (g *Guarded) CapIncrBy(ctx context.Context, key string, delta, limit int64, ttl time.Duration) (v int64, ok bool, err error) {
	err = g.run(func() error {
		var e error
		v, ok, e = g.inner.CapIncrBy(ctx, key, delta, limit, ttl)
		return e
	})
	return v, ok, err
}

func (g *Guarded) SlidingWindowAdd(ctx context.Context, key string, now time.Time, window time.Duration, limit int, member string) (res WindowResult, err error) {
	err = g.run(func() error {
		var e error
		res, e = g.inner.SlidingWindowAdd(ctx, key, now, window, limit, member)
		return e
	})
	return res, err
}

// PingContext bypasses the breaker so health checks see the real state.
func (g *Guarded) PingContext(ctx context.Context) error { return g.inner.PingContext(ctx) }

func (g *Guarded) Close() error { return g.inner.Close() }
