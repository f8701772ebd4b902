package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns every Store implementation under test.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStoreFromClient(client, "test:"),
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
			got, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), got)

			require.NoError(t, s.Delete(ctx, "k"))
			_, err = s.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_SetNXAndDeleteIfEqual(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.SetNX(ctx, "lock", []byte("owner-a"), time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.SetNX(ctx, "lock", []byte("owner-b"), time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "second SETNX must lose")

			deleted, err := s.DeleteIfEqual(ctx, "lock", []byte("owner-b"))
			require.NoError(t, err)
			assert.False(t, deleted, "non-owner must not release the lock")

			deleted, err = s.DeleteIfEqual(ctx, "lock", []byte("owner-a"))
			require.NoError(t, err)
			assert.True(t, deleted)
		})
	}
}

func TestStore_CapIncrBy(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			v, ok, err := s.CapIncrBy(ctx, "usage", 999, 1000, time.Hour)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, int64(999), v)

			// limit-1 + 2 exceeds the cap: nothing is charged.
			v, ok, err = s.CapIncrBy(ctx, "usage", 2, 1000, time.Hour)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, int64(999), v)

			got, err := GetInt(ctx, s, "usage")
			require.NoError(t, err)
			assert.Equal(t, int64(999), got)

			// Uncapped increment and compensating decrement.
			v, err = IncrBy(ctx, s, "usage", 5, time.Hour)
			require.NoError(t, err)
			assert.Equal(t, int64(1004), v)
			v, err = IncrBy(ctx, s, "usage", -5, time.Hour)
			require.NoError(t, err)
			assert.Equal(t, int64(999), v)
		})
	}
}

func TestStore_GetIntMissing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			v, err := GetInt(context.Background(), s, "nothing")
			require.NoError(t, err)
			assert.Zero(t, v)
		})
	}
}

func TestStore_SlidingWindowStaggered(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	window := 60 * time.Second

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			// 10 requests spread over 45s.
			for i := 0; i < 10; i++ {
				res, err := s.SlidingWindowAdd(ctx, "ip:1.2.3.4", base.Add(time.Duration(i)*5*time.Second), window, 10, fmt.Sprint(i))
				require.NoError(t, err)
				require.True(t, res.Allowed, "request %d should be admitted", i)
				assert.Equal(t, i+1, res.Count)
			}

			// 11th in-window request is rejected.
			res, err := s.SlidingWindowAdd(ctx, "ip:1.2.3.4", base.Add(50*time.Second), window, 10, "x")
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, 10, res.Count)
			assert.Equal(t, base.UnixMilli(), res.Oldest.UnixMilli())

			// At exactly base+60s the first event (at base) leaves the window.
			res, err = s.SlidingWindowAdd(ctx, "ip:1.2.3.4", base.Add(60*time.Second), window, 10, "y")
			require.NoError(t, err)
			assert.True(t, res.Allowed, "oldest event exited the window")

			// Only one slot freed.
			res, err = s.SlidingWindowAdd(ctx, "ip:1.2.3.4", base.Add(61*time.Second), window, 10, "z")
			require.NoError(t, err)
			assert.False(t, res.Allowed)

			// After the second event (base+5s) exits, one more is admitted.
			res, err = s.SlidingWindowAdd(ctx, "ip:1.2.3.4", base.Add(65*time.Second), window, 10, "w")
			require.NoError(t, err)
			assert.True(t, res.Allowed)
		})
	}
}

func TestStore_SlidingWindowConcurrent(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				allowed int
			)
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := s.SlidingWindowAdd(ctx, "acct:a", now, time.Minute, 25, fmt.Sprint(i))
					if err != nil {
						t.Errorf("add: %v", err)
						return
					}
					if res.Allowed {
						mu.Lock()
						allowed++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 25, allowed)
		})
	}
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	clock := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return clock })

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Second))
	clock = clock.Add(999 * time.Millisecond)
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	clock = clock.Add(time.Millisecond)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.SetNX(ctx, "k", []byte("again"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired key can be re-acquired")
}

func TestMemoryStore_SweepDropsUnreadExpiredKeys(t *testing.T) {
	ctx := context.Background()
	clock := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return clock })

	for i := 0; i < 1000; i++ {
		_, err := s.SlidingWindowAdd(ctx, fmt.Sprintf("rl:ip:10.0.%d.%d", i/256, i%256), clock, time.Minute, 10, "m")
		require.NoError(t, err)
	}
	require.NoError(t, s.Set(ctx, "cache:entry", []byte("v"), 5*time.Minute))
	require.NoError(t, s.Set(ctx, "pinned", []byte("v"), 0))
	require.Equal(t, 1002, s.Len())

	clock = clock.Add(2 * time.Minute)
	assert.Equal(t, 1000, s.Sweep())
	assert.Equal(t, 2, s.Len())

	clock = clock.Add(24 * time.Hour)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len(), "keys without a TTL are kept")
}

func TestMemoryStore_SweeperStopsOnClose(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Millisecond))
	s.StartSweeper(5 * time.Millisecond)

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")

	_, _, err := s.CapIncrBy(ctx, "usage:u1", 1, -1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL("usage:u1"))

	mr.FastForward(time.Hour)
	_, err = s.Get(ctx, "usage:u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), "")
	mr.Close()

	_, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.PingContext(context.Background()), ErrUnavailable)
}

func TestNewRedisStore_BadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "::not a url", "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
}
