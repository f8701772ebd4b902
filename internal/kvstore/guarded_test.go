package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/circuitbreaker"
)

// flakyStore fails every call with ErrUnavailable while down is set.
type flakyStore struct {
	*MemoryStore
	down  bool
	calls int
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.calls++
	if f.down {
		return nil, unavailable(assert.AnError)
	}
	return f.MemoryStore.Get(ctx, key)
}

func TestGuarded_NotFoundDoesNotTrip(t *testing.T) {
	g := NewGuarded(NewMemoryStore(), circuitbreaker.New(2, time.Minute))
	for i := 0; i < 5; i++ {
		_, err := g.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	require.NoError(t, g.Set(context.Background(), "k", []byte("v"), 0))
}

func TestGuarded_OpensOnOutage(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), down: true}
	g := NewGuarded(inner, circuitbreaker.New(2, time.Minute))

	for i := 0; i < 2; i++ {
		_, err := g.Get(context.Background(), "k")
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, 2, inner.calls)

	// Open: fails fast without touching the store.
	_, err := g.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, inner.calls)
}
