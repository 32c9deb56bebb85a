// Package dispatch delivers scheduled items in ScheduledAt order.
//
// Each step looks at the two earliest items. A due head is delivered and
// deleted, then the loop checks again at once to drain any backlog. A
// future head puts the loop to sleep until it is due, clamped to
// [MinSleep, MaxSleep]. Producers go through Schedule, which wakes the
// sleeping loop so new items are never stuck behind a stale sleep.
//
// Delivery is at most once: the item is deleted even when the send fails.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"pobot/internal/eventbus"
	"pobot/internal/runtime/gate"
	"pobot/internal/runtime/timer"
	"pobot/internal/storage"
	logx "pobot/pkg/logx"
)

const (
	DefaultMinSleep       = time.Minute
	DefaultMaxSleep       = 24 * time.Hour
	DefaultDeliverTimeout = time.Minute
)

type Queue interface {
	InsertScheduledItem(ctx context.Context, it *storage.ScheduledItem) error
	NextScheduledItems(ctx context.Context, n int) ([]storage.ScheduledItem, error)
	DeleteScheduledItem(ctx context.Context, id int64) error
}

// Deliverer sends one item. nextIn is the gap to the following item, nil
// when the queue holds nothing else.
type Deliverer interface {
	Deliver(ctx context.Context, it storage.ScheduledItem, nextIn *time.Duration) error
}

type DeliverFunc func(ctx context.Context, it storage.ScheduledItem, nextIn *time.Duration) error

func (f DeliverFunc) Deliver(ctx context.Context, it storage.ScheduledItem, nextIn *time.Duration) error {
	return f(ctx, it, nextIn)
}

// ItemEvent is published after each delivery attempt.
type ItemEvent struct {
	ID          int64     `json:"id"`
	Kind        string    `json:"kind"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Late        string    `json:"late"`
	Error       string    `json:"error,omitempty"`
}

type Dispatcher struct {
	queue   Queue
	deliver Deliverer
	ready   *gate.Signal
	timer   *timer.Timer

	log            logx.Logger
	bus            eventbus.Bus
	now            func() time.Time
	minSleep       atomic.Int64
	maxSleep       atomic.Int64
	deliverTimeout time.Duration

	delivered atomic.Uint64
	failed    atomic.Uint64
	// wakes counts Wake calls; Run compares it across a step so a wake
	// that lands before the sleeper registers is not lost.
	wakes atomic.Uint64
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option     { return func(d *Dispatcher) { d.log = log } }
func WithBus(bus eventbus.Bus) Option       { return func(d *Dispatcher) { d.bus = bus } }
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func WithSleepBounds(min, max time.Duration) Option {
	return func(d *Dispatcher) { d.SetSleepBounds(min, max) }
}

func WithDeliverTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.deliverTimeout = t }
}

func New(q Queue, deliver Deliverer, ready *gate.Signal, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:          q,
		deliver:        deliver,
		ready:          ready,
		timer:          timer.New(),
		now:            time.Now,
		deliverTimeout: DefaultDeliverTimeout,
	}
	d.SetSleepBounds(DefaultMinSleep, DefaultMaxSleep)
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.log = d.log.With(logx.String("comp", "dispatch"))
	return d
}

// SetSleepBounds changes the clamp applied to idle sleeps. Non-positive values keep the current bound.
func (d *Dispatcher) SetSleepBounds(min, max time.Duration) {
	if min > 0 {
		d.minSleep.Store(int64(min))
	}
	if max > 0 {
		d.maxSleep.Store(int64(max))
	}
}

func (d *Dispatcher) bounds() (time.Duration, time.Duration) {
	lo, hi := time.Duration(d.minSleep.Load()), time.Duration(d.maxSleep.Load())
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// Wake interrupts an idle sleep so the queue is checked again.
func (d *Dispatcher) Wake() bool {
	d.wakes.Add(1)
	return d.timer.Wake()
}

// Schedule is the producer path: insert, then wake the loop.
func (d *Dispatcher) Schedule(ctx context.Context, it *storage.ScheduledItem) error {
	if err := d.queue.InsertScheduledItem(ctx, it); err != nil {
		return err
	}
	d.Wake()
	return nil
}

func (d *Dispatcher) Counters() (delivered, failed uint64) {
	return d.delivered.Load(), d.failed.Load()
}

// Run blocks until ctx ends. Cancellation is a clean stop and returns nil.
func (d *Dispatcher) Run(ctx context.Context) error {
	if _, err := d.ready.Wait(ctx); err != nil {
		return nil
	}
	for ctx.Err() == nil {
		seen := d.wakes.Load()
		sleep, err := d.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			sleep, _ = d.bounds()
			d.log.Warn("dispatch step failed", logx.Err(err), logx.Duration("retry_in", sleep))
		}
		if sleep <= 0 {
			continue
		}
		d.log.Debug("sleeping", logx.Duration("for", sleep))
		stale := func() bool { return d.wakes.Load() != seen }
		if _, err := d.timer.SleepUnless(ctx, sleep, stale); err != nil {
			return nil
		}
	}
	return nil
}

// Step delivers the head item if it is due. It returns the time to sleep
// before the next step; zero means step again immediately.
func (d *Dispatcher) Step(ctx context.Context) (time.Duration, error) {
	lo, hi := d.bounds()
	items, err := d.queue.NextScheduledItems(ctx, 2)
	if err != nil {
		return 0, fmt.Errorf("read queue: %w", err)
	}
	if len(items) == 0 {
		return hi, nil
	}

	head := items[0]
	now := d.now()
	if head.ScheduledAt.After(now) {
		return min(max(head.ScheduledAt.Sub(now), lo), hi), nil
	}

	var nextIn *time.Duration
	if len(items) > 1 {
		gap := items[1].ScheduledAt.Sub(head.ScheduledAt)
		nextIn = &gap
	}

	dctx, cancel := context.WithTimeout(ctx, d.deliverTimeout)
	derr := d.deliver.Deliver(dctx, head, nextIn)
	cancel()

	ev := ItemEvent{ID: head.ID, Kind: string(head.Kind), ScheduledAt: head.ScheduledAt, Late: now.Sub(head.ScheduledAt).String()}
	if derr != nil {
		if errors.Is(derr, context.Canceled) && ctx.Err() != nil {
			return 0, ctx.Err()
		}
		d.failed.Add(1)
		ev.Error = derr.Error()
		d.log.Warn("delivery failed, dropping item", logx.Int64("id", head.ID), logx.String("kind", string(head.Kind)), logx.Err(derr))
		d.publish(eventbus.ItemFailed, ev)
	} else {
		d.delivered.Add(1)
		d.log.Info("item delivered", logx.Int64("id", head.ID), logx.String("kind", string(head.Kind)), logx.String("late", ev.Late))
		d.publish(eventbus.ItemDelivered, ev)
	}

	if err := d.queue.DeleteScheduledItem(ctx, head.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("delete item %d: %w", head.ID, err)
	}
	return 0, nil
}

func (d *Dispatcher) publish(typ string, ev ItemEvent) {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}
