// Package cache deduplicates scoring of identical recent requests.
//
// At most one computation runs per key per TTL across all instances sharing
// the backing store: singleflight collapses callers inside one process and a
// SETNX lock in the store elects a single computing instance. Other instances
// poll until the value appears, the lock disappears (and they re-run the
// election) or their context ends.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/kvstore"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/metrics"
)

// Defaults
const (
	DefaultTTL          = 300 * time.Second
	DefaultLockTTL      = 5 * time.Second
	DefaultPollInterval = 20 * time.Millisecond
)

const keyPrefix = "fraud:cache:"

// Entry is the cached part of a score. The explanation is not cached.
type Entry struct {
	FraudScore   float64           `json:"fraud_score"`
	Decision     decision.Decision `json:"decision"`
	Confidence   float64           `json:"confidence"`
	ModelVersion string            `json:"model_version"`
	CachedAt     time.Time         `json:"cached_at"`
}

// Source says where a result came from.
type Source string

const (
	// SourceComputed means this caller ran the computation.
	SourceComputed Source = "computed"
	// SourceCache means the value was already stored.
	SourceCache Source = "cache"
	// SourceShared means another caller computed it while this one waited.
	SourceShared Source = "shared"
)

// Result is an entry plus its provenance.
type Result struct {
	Entry  Entry
	Source Source
}

// Cached reports whether this caller did not compute the entry itself.
func (r Result) Cached() bool { return r.Source != SourceComputed }

// ComputeFunc produces an entry on a miss. Entries with cacheable=false are
// returned to the caller but never stored.
type ComputeFunc func(ctx context.Context) (entry Entry, cacheable bool, err error)

// Options configure a Cache.
type Options struct {
	TTL          time.Duration
	LockTTL      time.Duration
	PollInterval time.Duration
}

// Cache is a read-through prediction cache.
type Cache struct {
	store  kvstore.Store
	opts   Options
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// New creates a cache over store. Zero options take the defaults.
func New(store kvstore.Store, opts Options, logger *slog.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, opts: opts, logger: logger, now: time.Now}
}

// TTL returns the entry lifetime.
func (c *Cache) TTL() time.Duration { return c.opts.TTL }

// Lookup returns the stored entry for key, if any.
func (c *Cache) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	b, err := c.store.Get(ctx, keyPrefix+key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, false, fmt.Errorf("cache: decode entry: %w", err)
	}
	return e, true, nil
}

// GetOrCompute returns the entry for key, running compute at most once per
// key across concurrent callers. Store failures degrade to calling compute
// directly.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) (Result, error) {
	e, ok, err := c.Lookup(ctx, key)
	switch {
	case err != nil:
		return c.degrade(ctx, key, err, compute)
	case ok:
		metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return Result{Entry: e, Source: SourceCache}, nil
	}
	metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()

	var leader bool
	ch := c.group.DoChan(key, func() (any, error) {
		leader = true
		// The flight outlives any single caller so one cancelled request
		// cannot fail the others waiting on it.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.LockTTL+c.opts.TTL)
		defer cancel()
		return c.elect(fctx, key, compute)
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		res := r.Val.(Result)
		if !leader && res.Source == SourceComputed {
			res.Source = SourceShared
		}
		return res, nil
	}
}

// elect runs the cross-instance election loop for key.
func (c *Cache) elect(ctx context.Context, key string, compute ComputeFunc) (Result, error) {
	lockKey := keyPrefix + key + ":lock"
	token := []byte(idgen.Hex(16))

	for {
		acquired, err := c.store.SetNX(ctx, lockKey, token, c.opts.LockTTL)
		if err != nil {
			return c.degrade(ctx, key, err, compute)
		}
		if acquired {
			return c.computeLocked(ctx, key, lockKey, token, compute)
		}

		res, retry, err := c.wait(ctx, key, lockKey, compute)
		if err != nil || !retry {
			return res, err
		}
	}
}

func (c *Cache) computeLocked(ctx context.Context, key, lockKey string, token []byte, compute ComputeFunc) (Result, error) {
	defer func() {
		// Release with a fresh context; the caller's may already be done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if _, err := c.store.DeleteIfEqual(rctx, lockKey, token); err != nil {
			c.logger.Warn("cache lock release failed", "error", err)
		}
	}()

	// Another instance may have stored the value between our miss and the lock.
	if e, ok, err := c.Lookup(ctx, key); err == nil && ok {
		metrics.CacheLookupsTotal.WithLabelValues("wait_hit").Inc()
		return Result{Entry: e, Source: SourceShared}, nil
	}

	e, cacheable, err := compute(ctx)
	metrics.CacheComputationsTotal.Inc()
	if err != nil {
		return Result{}, err
	}
	if cacheable {
		if err := c.store.Set(ctx, keyPrefix+key, c.encode(&e), c.opts.TTL); err != nil {
			logging.L(ctx).Warn("prediction cache store failed", "cache_key", key, "error", err)
		}
	}
	return Result{Entry: e, Source: SourceComputed}, nil
}

// wait polls until the value appears (returned), the lock vanishes
// (retry=true) or ctx ends.
func (c *Cache) wait(ctx context.Context, key, lockKey string, compute ComputeFunc) (res Result, retry bool, err error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Result{}, false, ctx.Err()
		case <-ticker.C:
		}

		e, ok, err := c.Lookup(ctx, key)
		if err != nil {
			r, err := c.degrade(ctx, key, err, compute)
			return r, false, err
		}
		if ok {
			metrics.CacheLookupsTotal.WithLabelValues("wait_hit").Inc()
			return Result{Entry: e, Source: SourceShared}, false, nil
		}
		if _, err := c.store.Get(ctx, lockKey); errors.Is(err, kvstore.ErrNotFound) {
			return Result{}, true, nil
		}
	}
}

// degrade logs a store failure and computes without the cache.
func (c *Cache) degrade(ctx context.Context, key string, cause error, compute ComputeFunc) (Result, error) {
	metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
	logging.L(ctx).Warn("prediction cache unavailable, computing directly", "cache_key", key, "error", cause)
	e, _, err := compute(ctx)
	metrics.CacheComputationsTotal.Inc()
	if err != nil {
		return Result{}, err
	}
	return Result{Entry: e, Source: SourceComputed}, nil
}

func (c *Cache) encode(e *Entry) []byte {
	if e.CachedAt.IsZero() {
		e.CachedAt = c.now().UTC()
	}
	b, _ := json.Marshal(e)
	return b
}
