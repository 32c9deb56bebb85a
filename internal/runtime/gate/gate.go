// Package gate provides a one-shot readiness signal carrying a payload.
//
// Workers park in Wait until a prerequisite (schema migration, a started
// transport) calls Signal. Every waiter, past or future, observes the same
// payload.
package gate

import (
	"context"
	"sync"
)

type Gate[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

func New[T any]() *Gate[T] {
	return &Gate[T]{done: make(chan struct{})}
}

// Signal opens the gate with v. Only the first call has an effect; it
// reports whether this call was the one that opened the gate.
func (g *Gate[T]) Signal(v T) bool {
	opened := false
	g.once.Do(func() {
		g.value = v
		close(g.done)
		opened = true
	})
	return opened
}

// Wait blocks until the gate opens or ctx ends.
func (g *Gate[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-g.done:
		return g.value, nil
	default:
	}
	select {
	case <-g.done:
		return g.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (g *Gate[T]) Done() <-chan struct{} { return g.done }

func (g *Gate[T]) Signaled() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Signal is the payload-free gate.
type Signal = Gate[struct{}]

func NewSignal() *Signal { return New[struct{}]() }
