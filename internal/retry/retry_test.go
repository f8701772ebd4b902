package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestPolicy_SucceedsFirstTime(t *testing.T) {
	var calls int
	err := fast.Do(context.Background(), func(context.Context, int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_RecoversAfterTransientFailures(t *testing.T) {
	var attempts []int
	err := fast.Do(context.Background(), func(_ context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return errors.New("ledger unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, attempts)
}

func TestPolicy_ReturnsLastErrorWhenExhausted(t *testing.T) {
	sentinel := errors.New("still down")
	var calls int
	err := fast.Do(context.Background(), func(context.Context, int) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestPolicy_PermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("account unknown")
	var calls int
	err := fast.Do(context.Background(), func(context.Context, int) error {
		calls++
		return Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	var pe *PermanentError
	assert.False(t, errors.As(err, &pe), "permanent wrapper is stripped")
	assert.Equal(t, 1, calls)
}

func TestPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int
	err := Policy{}.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errors.New("fail")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond}

	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func(context.Context, int) error {
		calls.Add(1)
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestPolicy_MaxDelayCapsBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: 5 * time.Millisecond, MaxDelay: 8 * time.Millisecond}
	start := time.Now()
	err := p.Do(context.Background(), func(context.Context, int) error {
		return errors.New("fail")
	})
	require.Error(t, err)
	// 5ms + 8ms + 8ms (+jitter) stays well under the uncapped 35ms.
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestPolicy_AfterRaisesWait(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Second}
	var stamps []time.Time
	err := p.Do(context.Background(), func(context.Context, int) error {
		stamps = append(stamps, time.Now())
		if len(stamps) == 1 {
			return After(errors.New("429"), 40*time.Millisecond)
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, stamps, 2)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 40*time.Millisecond)
}

func TestPolicy_AfterBoundedByMaxDelay(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	start := time.Now()
	err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		if attempt == 0 {
			return After(errors.New("429"), time.Hour)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWrappers_NilAndUnwrap(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.NoError(t, After(nil, time.Second))

	inner := errors.New("inner")
	assert.ErrorIs(t, Permanent(inner), inner)
	assert.ErrorIs(t, After(inner, time.Second), inner)
}
