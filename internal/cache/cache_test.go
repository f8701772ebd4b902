package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/kvstore"
	"github.com/mbd888/fraudguard/internal/txn"
)

func TestKey_Normalization(t *testing.T) {
	base := txn.Request{Amount: 150.5, UserID: "alice", PaymentMethod: "card"}
	k := Key(base)
	assert.Len(t, k, 64)

	same := []txn.Request{
		{Amount: 150.50, UserID: "  Alice ", PaymentMethod: "CARD"},
		{Amount: 150.501, UserID: "ALICE", PaymentMethod: " Card"},
		{Amount: 150.5, UserID: "alice", PaymentMethod: "ｃａｒｄ"}, // full-width
		{Amount: 150.5, UserID: "alice", PaymentMethod: "card", Currency: "EUR", MerchantCategory: "5411"},
	}
	for i, r := range same {
		assert.Equal(t, k, Key(r), "case %d", i)
	}

	different := []txn.Request{
		{Amount: 150.51, UserID: "alice", PaymentMethod: "card"},
		{Amount: 150.5, UserID: "bob", PaymentMethod: "card"},
		{Amount: 150.5, UserID: "alice", PaymentMethod: "bank_transfer"},
	}
	for i, r := range different {
		assert.NotEqual(t, k, Key(r), "case %d", i)
	}
}

func TestKey_ConcurrentCallersAgree(t *testing.T) {
	want := Key(txn.Request{Amount: 99, UserID: "carol", PaymentMethod: "Straße"})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if got := Key(txn.Request{Amount: 99, UserID: "CAROL", PaymentMethod: "STRASSE"}); got != want {
					t.Errorf("key mismatch: %s != %s", got, want)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestKey_FieldBoundaries(t *testing.T) {
	a := Key(txn.Request{Amount: 1, UserID: "ab", PaymentMethod: "c"})
	b := Key(txn.Request{Amount: 1, UserID: "a", PaymentMethod: "bc"})
	assert.NotEqual(t, a, b)
}

type counter struct{ n atomic.Int64 }

func (c *counter) compute(delay time.Duration, cacheable bool) ComputeFunc {
	return func(ctx context.Context) (Entry, bool, error) {
		c.n.Add(1)
		time.Sleep(delay)
		return Entry{FraudScore: 12.5, Decision: decision.Approve, Confidence: 75, ModelVersion: "v1"}, cacheable, nil
	}
}

func testOpts() Options {
	return Options{TTL: time.Minute, LockTTL: 2 * time.Second, PollInterval: 5 * time.Millisecond}
}

func TestGetOrCompute_SecondCallHits(t *testing.T) {
	ctx := context.Background()
	c := New(kvstore.NewMemoryStore(), testOpts(), nil)
	var cnt counter

	r1, err := c.GetOrCompute(ctx, "k", cnt.compute(0, true))
	require.NoError(t, err)
	assert.False(t, r1.Cached())
	assert.Equal(t, SourceComputed, r1.Source)
	assert.False(t, r1.Entry.CachedAt.IsZero())

	r2, err := c.GetOrCompute(ctx, "k", cnt.compute(0, true))
	require.NoError(t, err)
	assert.True(t, r2.Cached())
	assert.Equal(t, SourceCache, r2.Source)
	assert.Equal(t, r1.Entry.FraudScore, r2.Entry.FraudScore)
	assert.Equal(t, decision.Approve, r2.Entry.Decision)
	assert.Equal(t, int64(1), cnt.n.Load())
}

func TestGetOrCompute_NotCacheable(t *testing.T) {
	ctx := context.Background()
	c := New(kvstore.NewMemoryStore(), testOpts(), nil)
	var cnt counter

	for i := 0; i < 3; i++ {
		r, err := c.GetOrCompute(ctx, "k", cnt.compute(0, false))
		require.NoError(t, err)
		assert.False(t, r.Cached())
	}
	assert.Equal(t, int64(3), cnt.n.Load())
}

func TestGetOrCompute_ComputeError(t *testing.T) {
	c := New(kvstore.NewMemoryStore(), testOpts(), nil)
	boom := fmt.Errorf("boom")
	_, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (Entry, bool, error) {
		return Entry{}, false, boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok, err := c.Lookup(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetOrCompute_SingleComputationInProcess(t *testing.T) {
	c := New(kvstore.NewMemoryStore(), testOpts(), nil)
	var cnt counter

	const n = 50
	var wg sync.WaitGroup
	var cached atomic.Int64
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			r, err := c.GetOrCompute(context.Background(), "hot", cnt.compute(50*time.Millisecond, true))
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			if r.Cached() {
				cached.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), cnt.n.Load())
	assert.Equal(t, int64(n-1), cached.Load())
}

func TestGetOrCompute_SingleComputationAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stores := map[string]kvstore.Store{
		"memory": kvstore.NewMemoryStore(),
		"redis":  kvstore.NewRedisStoreFromClient(client, "test:"),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			instances := []*Cache{
				New(store, testOpts(), nil),
				New(store, testOpts(), nil),
				New(store, testOpts(), nil),
			}
			var cnt counter
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < 30; i++ {
				c := instances[i%len(instances)]
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := c.GetOrCompute(context.Background(), "shared-"+name, cnt.compute(100*time.Millisecond, true))
					if err != nil {
						t.Errorf("get: %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()
			assert.Equal(t, int64(1), cnt.n.Load())
		})
	}
}

func TestGetOrCompute_ReElectsWhenLockExpires(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	// A crashed instance left its lock behind.
	ok, err := store.SetNX(ctx, keyPrefix+"k:lock", []byte("dead"), 60*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	c := New(store, testOpts(), nil)
	var cnt counter
	r, err := c.GetOrCompute(ctx, "k", cnt.compute(0, true))
	require.NoError(t, err)
	assert.Equal(t, SourceComputed, r.Source)
	assert.Equal(t, int64(1), cnt.n.Load())
}

func TestGetOrCompute_WaiterHonoursContext(t *testing.T) {
	store := kvstore.NewMemoryStore()
	_, err := store.SetNX(context.Background(), keyPrefix+"k:lock", []byte("busy"), time.Minute)
	require.NoError(t, err)

	c := New(store, testOpts(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var cnt counter
	_, err = c.GetOrCompute(ctx, "k", cnt.compute(0, true))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, cnt.n.Load())
}

func TestGetOrCompute_WaiterSeesOtherInstanceValue(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	_, err := store.SetNX(ctx, keyPrefix+"k:lock", []byte("other"), time.Minute)
	require.NoError(t, err)

	c := New(store, testOpts(), nil)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.Set(ctx, keyPrefix+"k", c.encode(&Entry{FraudScore: 90, Decision: decision.Reject}), time.Minute)
	}()

	var cnt counter
	r, err := c.GetOrCompute(ctx, "k", cnt.compute(0, true))
	require.NoError(t, err)
	assert.Equal(t, SourceShared, r.Source)
	assert.Equal(t, decision.Reject, r.Entry.Decision)
	assert.Zero(t, cnt.n.Load())
}

// downStore fails every call as if the backing store were unreachable.
type downStore struct{ *kvstore.MemoryStore }

func (downStore) Get(context.Context, string) ([]byte, error) { return nil, kvstore.ErrUnavailable }
func (downStore) Set(context.Context, string, []byte, time.Duration) error {
	return kvstore.ErrUnavailable
}
func (downStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, kvstore.ErrUnavailable
}

func TestGetOrCompute_StoreOutageDegrades(t *testing.T) {
	c := New(downStore{kvstore.NewMemoryStore()}, testOpts(), nil)
	var cnt counter
	for i := 0; i < 2; i++ {
		r, err := c.GetOrCompute(context.Background(), "k", cnt.compute(0, true))
		require.NoError(t, err)
		assert.False(t, r.Cached())
	}
	assert.Equal(t, int64(2), cnt.n.Load())
}
