package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(threshold, open)
	b.now = clk.Now
	return b, clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	b.RecordFailure("redis")
	b.RecordFailure("redis")
	assert.True(t, b.Allow("redis"), "should still allow before threshold")

	b.RecordFailure("redis")
	assert.False(t, b.Allow("redis"))
	assert.Equal(t, StateOpen, b.State("redis"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(2, time.Second)
	b.RecordFailure("redis")
	b.RecordFailure("redis")
	require.False(t, b.Allow("redis"))

	clk.Advance(time.Second)
	assert.True(t, b.Allow("redis"), "probe should be allowed")
	assert.Equal(t, StateHalfOpen, b.State("redis"))
	assert.False(t, b.Allow("redis"), "second request during probe is rejected")

	b.RecordSuccess("redis")
	assert.Equal(t, StateClosed, b.State("redis"))
	assert.True(t, b.Allow("redis"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1, time.Second)
	b.RecordFailure("redis")
	clk.Advance(time.Second)
	require.True(t, b.Allow("redis"))

	b.RecordFailure("redis")
	assert.Equal(t, StateOpen, b.State("redis"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("redis")
	assert.False(t, b.Allow("redis"))
	assert.True(t, b.Allow("postgres"))
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	notFound := errors.New("not found")
	outage := errors.New("connection refused")
	isFailure := func(err error) bool { return !errors.Is(err, notFound) }

	for i := 0; i < 5; i++ {
		err := b.Execute("redis", isFailure, func() error { return notFound })
		assert.ErrorIs(t, err, notFound)
	}
	assert.Equal(t, StateClosed, b.State("redis"), "benign errors must not trip the circuit")

	_ = b.Execute("redis", isFailure, func() error { return outage })
	_ = b.Execute("redis", isFailure, func() error { return outage })

	called := false
	err := b.Execute("redis", isFailure, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	got := make(chan State, 1)
	b.OnTransition(func(_ string, _, to State) { got <- to })

	b.RecordFailure("redis")

	select {
	case s := <-got:
		assert.Equal(t, StateOpen, s)
	case <-time.After(time.Second):
		t.Fatal("transition callback not invoked")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
