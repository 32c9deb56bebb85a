package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pobot/internal/eventbus"
	"pobot/internal/runtime/gate"
	"pobot/internal/storage"
	logx "pobot/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type delivery struct {
	item   storage.ScheduledItem
	nextIn *time.Duration
}

type recorder struct {
	mu   sync.Mutex
	got  []delivery
	fail error
}

func (r *recorder) Deliver(_ context.Context, it storage.ScheduledItem, nextIn *time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{item: it, nextIn: nextIn})
	return r.fail
}

func (r *recorder) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "queue.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func message(at time.Time, text string) *storage.ScheduledItem {
	return &storage.ScheduledItem{
		Target:      storage.Target{ChatID: 42},
		Kind:        storage.KindMessage,
		Text:        text,
		ScheduledAt: at,
	}
}

func TestStepEmptyQueueSleepsMax(t *testing.T) {
	st := openStore(t)
	d := New(st, &recorder{}, gate.NewSignal())

	sleep, err := d.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSleep, sleep)
}

func TestStepClampsSleep(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	t0 := time.UnixMilli(1_700_000_000_000)
	clock := &fakeClock{now: t0}
	d := New(st, &recorder{}, gate.NewSignal(), WithClock(clock.Now))

	require.NoError(t, st.InsertScheduledItem(ctx, message(t0.Add(5*time.Second), "soon")))
	sleep, err := d.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultMinSleep, sleep)

	clock.Set(t0.Add(-72 * time.Hour))
	sleep, err = d.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSleep, sleep)
}

func TestStepReportsGapToNextItem(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	rec := &recorder{}
	t0 := time.UnixMilli(1_700_000_000_000)
	clock := &fakeClock{now: t0}
	d := New(st, rec, gate.NewSignal(), WithClock(clock.Now), WithSleepBounds(time.Second, time.Hour))

	require.NoError(t, st.InsertScheduledItem(ctx, message(t0.Add(40*time.Second), "second")))
	require.NoError(t, st.InsertScheduledItem(ctx, message(t0.Add(10*time.Second), "first")))

	clock.Set(t0.Add(10 * time.Second))
	sleep, err := d.Step(ctx)
	require.NoError(t, err)
	assert.Zero(t, sleep)

	got := rec.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].item.Text)
	require.NotNil(t, got[0].nextIn)
	assert.Equal(t, 30*time.Second, *got[0].nextIn)

	clock.Set(t0.Add(11 * time.Second))
	sleep, err = d.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 29*time.Second, sleep)
	assert.Len(t, rec.deliveries(), 1)

	// Last item: nothing follows it.
	clock.Set(t0.Add(40 * time.Second))
	_, err = d.Step(ctx)
	require.NoError(t, err)
	got = rec.deliveries()
	require.Len(t, got, 2)
	assert.Nil(t, got[1].nextIn)

	n, err := st.CountScheduledItems(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailedDeliveryIsDropped(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	rec := &recorder{fail: errors.New("chat not found")}
	bus := eventbus.New()
	events, unsub := bus.Subscribe("dispatch.", 4)
	defer unsub()

	t0 := time.UnixMilli(1_700_000_000_000)
	d := New(st, rec, gate.NewSignal(), WithClock(func() time.Time { return t0 }), WithBus(bus))
	require.NoError(t, st.InsertScheduledItem(ctx, message(t0, "lost")))

	sleep, err := d.Step(ctx)
	require.NoError(t, err)
	assert.Zero(t, sleep)

	n, err := st.CountScheduledItems(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, failed := d.Counters()
	assert.Equal(t, uint64(1), failed)
	ev := <-events
	assert.Equal(t, eventbus.ItemFailed, ev.Type)
	assert.Equal(t, "chat not found", ev.Data.(ItemEvent).Error)
}

func TestScheduleWakesSleepingLoop(t *testing.T) {
	st := openStore(t)
	rec := &recorder{}
	t0 := time.UnixMilli(1_700_000_000_000)
	clock := &fakeClock{now: t0.Add(11 * time.Second)}
	ready := gate.NewSignal()

	var reads atomic.Int32
	q := &countingQueue{Store: st, reads: &reads}
	d := New(q, rec, ready, WithClock(clock.Now), WithSleepBounds(time.Second, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, st.InsertScheduledItem(ctx, message(t0.Add(40*time.Second), "later")))

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, reads.Load(), "must not touch the queue before the gate opens")
	ready.Signal(struct{}{})

	// The loop reads once, finds "later" 29s away and goes to sleep.
	require.Eventually(t, func() bool { return reads.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	clock.Set(t0.Add(12 * time.Second))
	require.NoError(t, d.Schedule(ctx, message(t0.Add(12*time.Second), "urgent")))
	require.Eventually(t, func() bool { return len(rec.deliveries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "urgent", rec.deliveries()[0].item.Text)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestScheduleRightAfterReadIsNotLost(t *testing.T) {
	st := openStore(t)
	rec := &recorder{}
	t0 := time.UnixMilli(1_700_000_000_000)
	clock := &fakeClock{now: t0.Add(11 * time.Second)}
	ready := gate.NewSignal()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, st.InsertScheduledItem(ctx, message(t0.Add(40*time.Second), "later")))

	var reads atomic.Int32
	q := &countingQueue{Store: st, reads: &reads}
	d := New(q, rec, ready, WithClock(clock.Now), WithSleepBounds(time.Second, time.Hour))
	// The insert lands after the loop computed its 29s sleep but before
	// the sleep starts.
	q.afterRead = func(n int32) {
		if n == 1 {
			assert.NoError(t, d.Schedule(ctx, message(t0.Add(11*time.Second), "urgent")))
		}
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	ready.Signal(struct{}{})

	require.Eventually(t, func() bool { return len(rec.deliveries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "urgent", rec.deliveries()[0].item.Text)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type countingQueue struct {
	*storage.Store
	reads     *atomic.Int32
	afterRead func(n int32)
}

func (q *countingQueue) NextScheduledItems(ctx context.Context, n int) ([]storage.ScheduledItem, error) {
	items, err := q.Store.NextScheduledItems(ctx, n)
	seq := q.reads.Add(1)
	if q.afterRead != nil {
		q.afterRead(seq)
	}
	return items, err
}
