// Package syncutil holds concurrency helpers shared by the in-process stores.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex(0).
const DefaultShards = 256

// KeyedMutex serializes work per string key using a fixed pool of
// channel-based locks. Memory stays bounded no matter how many keys are
// seen; distinct keys that hash to the same shard share a lock.
// Waiters can give up when their context is cancelled.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with n shards (DefaultShards if n <= 0).
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the lock for key, returning an unlock func the caller must
// invoke. It returns ctx.Err() if ctx ends first.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.index(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	shard := m.shards[m.index(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, true
	default:
		return nil, false
	}
}

func (m *KeyedMutex) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
