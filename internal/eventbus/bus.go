// Package eventbus is a small in-memory fanout used to observe job and
// delivery lifecycles without coupling producers to consumers.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle event types.
const (
	JobClaimed   = "job.claimed"
	JobSkipped   = "job.skipped"
	JobSucceeded = "job.succeeded"
	JobFailed    = "job.failed"

	ItemDelivered = "dispatch.delivered"
	ItemFailed    = "dispatch.failed"

	ReconcileReport = "reconcile.report"
)

// Event is a lightweight signal. Data should be small and JSON-friendly.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus delivers events without blocking the publisher. A slow subscriber
// loses events rather than stalling anyone.
type Bus interface {
	Publish(e Event)
	// Subscribe receives events whose Type starts with prefix ("" for all).
	Subscribe(prefix string, buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	prefix string
	ch     chan Event
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Held for reading across sends so unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !strings.HasPrefix(e.Type, s.prefix) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{prefix: prefix, ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
