package kvstore

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/fraudguard/internal/syncutil"
)

type item struct {
	value   []byte
	log     []int64 // sliding-log timestamps, unix ms, ascending
	expires time.Time
}

func (it *item) expired(now time.Time) bool {
	return !it.expires.IsZero() && !now.Before(it.expires)
}

// MemoryStore is an in-process Store for single-instance deployments and
// tests. Each operation holds a per-key lock for its whole read-modify-write,
// which gives the same atomicity as the Redis scripts.
type MemoryStore struct {
	items sync.Map // string -> *item
	locks *syncutil.KeyedMutex
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates an empty in-process store. Expired keys are dropped
// on access; call StartSweeper to also reclaim keys that are never read again.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: syncutil.NewKeyedMutex(0),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
}

// StartSweeper removes expired keys every interval until Close.
func (m *MemoryStore) StartSweeper(interval time.Duration) {
	go m.sweepLoop(interval)
}

func (m *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}

// Sweep deletes expired keys and returns how many it removed. Keys locked by
// an in-flight operation are skipped and picked up by a later sweep.
func (m *MemoryStore) Sweep() int {
	now := m.now()
	removed := 0
	m.items.Range(func(k, _ any) bool {
		key := k.(string)
		unlock, ok := m.locks.TryLock(key)
		if !ok {
			return true
		}
		defer unlock()
		if v, ok := m.items.Load(key); ok && v.(*item).expired(now) {
			m.items.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of stored keys, expired or not.
func (m *MemoryStore) Len() int {
	n := 0
	m.items.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// SetClock overrides the clock used for TTL expiry.
func (m *MemoryStore) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryStore) lock(ctx context.Context, key string) (func(), error) {
	return m.locks.Lock(ctx, key)
}

// load returns the live item for key, dropping it if expired. Caller holds the key lock.
func (m *MemoryStore) load(key string) *item {
	v, ok := m.items.Load(key)
	if !ok {
		return nil
	}
	it := v.(*item)
	if it.expired(m.now()) {
		m.items.Delete(key)
		return nil
	}
	return it
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	unlock, err := m.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	it := m.load(key)
	if it == nil || it.value == nil {
		return nil, ErrNotFound
	}
	return bytes.Clone(it.value), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	unlock, err := m.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	m.items.Store(key, &item{value: bytes.Clone(value), expires: m.expiry(ttl)})
	return nil
}

func (m *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	unlock, err := m.lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer unlock()

	if m.load(key) != nil {
		return false, nil
	}
	m.items.Store(key, &item{value: bytes.Clone(value), expires: m.expiry(ttl)})
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	unlock, err := m.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	m.items.Delete(key)
	return nil
}

func (m *MemoryStore) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	unlock, err := m.lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer unlock()

	it := m.load(key)
	if it == nil || !bytes.Equal(it.value, value) {
		return false, nil
	}
	m.items.Delete(key)
	return true, nil
}

func (m *MemoryStore) CapIncrBy(ctx context.Context, key string, delta, limit int64, ttl time.Duration) (int64, bool, error) {
	unlock, err := m.lock(ctx, key)
	if err != nil {
		return 0, false, err
	}
	defer unlock()

	var cur int64
	it := m.load(key)
	if it != nil {
		if cur, err = parseInt(it.value); err != nil {
			return 0, false, err
		}
	}
	if limit >= 0 && cur+delta > limit {
		return cur, false, nil
	}

	next := cur + delta
	if it == nil {
		it = &item{expires: m.expiry(ttl)}
		m.items.Store(key, it)
	} else if it.expires.IsZero() {
		it.expires = m.expiry(ttl)
	}
	it.value = []byte(strconv.FormatInt(next, 10))
	return next, true, nil
}

func (m *MemoryStore) SlidingWindowAdd(ctx context.Context, key string, now time.Time, window time.Duration, limit int, _ string) (WindowResult, error) {
	unlock, err := m.lock(ctx, key)
	if err != nil {
		return WindowResult{}, err
	}
	defer unlock()

	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	it := m.load(key)
	if it == nil {
		it = &item{}
	}
	// Prune events at or before the cutoff.
	keep := sort.Search(len(it.log), func(i int) bool { return it.log[i] > cutoff })
	it.log = it.log[keep:]

	if len(it.log) >= limit {
		res := WindowResult{Allowed: false, Count: len(it.log), Oldest: now}
		if len(it.log) > 0 {
			res.Oldest = time.UnixMilli(it.log[0])
		}
		m.items.Store(key, it)
		return res, nil
	}

	pos := sort.Search(len(it.log), func(i int) bool { return it.log[i] > nowMs })
	it.log = append(it.log, 0)
	copy(it.log[pos+1:], it.log[pos:])
	it.log[pos] = nowMs
	it.expires = m.expiry(window)
	m.items.Store(key, it)

	return WindowResult{Allowed: true, Count: len(it.log)}, nil
}

func (m *MemoryStore) PingContext(context.Context) error { return nil }

// Close stops the sweeper. It is safe to call more than once.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
