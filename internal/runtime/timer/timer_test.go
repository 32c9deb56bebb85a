package timer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWakeWithoutSleepIsNoop(t *testing.T) {
	t.Parallel()

	tm := New()
	assert.False(t, tm.Wake())
	assert.False(t, tm.Wake())

	start := time.Now()
	woken, err := tm.Sleep(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, woken)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestSleepRunsFullDuration(t *testing.T) {
	t.Parallel()

	tm := New()
	start := time.Now()
	woken, err := tm.Sleep(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, woken)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWakeInterruptsSleep(t *testing.T) {
	t.Parallel()

	tm := New()
	go func() {
		time.Sleep(20 * time.Millisecond)
		for !tm.Wake() {
			time.Sleep(time.Millisecond)
		}
	}()

	start := time.Now()
	woken, err := tm.Sleep(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.True(t, woken)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleepCancelled(t *testing.T) {
	t.Parallel()

	tm := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	woken, err := tm.Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, woken)

	// A wake after the sleeper left does not leak into the next Sleep.
	assert.False(t, tm.Wake())
}

func TestSleepUnlessStaleReturnsAtOnce(t *testing.T) {
	t.Parallel()

	tm := New()
	start := time.Now()
	woken, err := tm.SleepUnless(context.Background(), time.Hour, func() bool { return true })
	require.NoError(t, err)
	assert.True(t, woken)
	assert.Less(t, time.Since(start), time.Second)
	// the registration is cleared, so a later Wake finds no sleeper
	assert.False(t, tm.Wake())
}

func TestSleepUnlessFreshSleepsFull(t *testing.T) {
	t.Parallel()

	tm := New()
	start := time.Now()
	woken, err := tm.SleepUnless(context.Background(), 30*time.Millisecond, func() bool { return false })
	require.NoError(t, err)
	assert.False(t, woken)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
