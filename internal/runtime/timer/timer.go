// Package timer provides a sleep that another goroutine can cut short.
package timer

import (
	"context"
	"sync"
	"time"
)

// Timer supports one outstanding Sleep at a time. Wake may be called from
// any goroutine and never blocks.
type Timer struct {
	mu   sync.Mutex
	wake chan struct{}
}

func New() *Timer { return &Timer{} }

// Sleep waits for d. It reports woken=true when Wake interrupted it and
// returns ctx.Err() when ctx ended first.
func (t *Timer) Sleep(ctx context.Context, d time.Duration) (woken bool, err error) {
	return t.SleepUnless(ctx, d, nil)
}

// SleepUnless is Sleep with a staleness check made after the sleeper is
// registered: if stale reports true the call returns woken=true at once.
// A caller that bumps its own counter before Wake can pass a stale func
// comparing that counter, and no wake is lost between its last read and
// the sleep.
func (t *Timer) SleepUnless(ctx context.Context, d time.Duration, stale func() bool) (woken bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ch := make(chan struct{})
	t.mu.Lock()
	t.wake = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.wake == ch {
			t.wake = nil
		}
		t.mu.Unlock()
	}()

	if stale != nil && stale() {
		return true, nil
	}

	tm := time.NewTimer(d)
	defer tm.Stop()

	select {
	case <-tm.C:
		return false, nil
	case <-ch:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Wake interrupts the outstanding Sleep, if any. It reports whether a
// sleeper was woken.
func (t *Timer) Wake() bool {
	t.mu.Lock()
	ch := t.wake
	t.wake = nil
	t.mu.Unlock()
	if ch == nil {
		return false
	}
	close(ch)
	return true
}
