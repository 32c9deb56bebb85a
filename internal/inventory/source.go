// Package inventory enumerates external content stores (S3 buckets, a local
// directory tree) as lazy, restartable sequences of items.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrSource wraps every failure raised by a source while enumerating.
	ErrSource           = errors.New("inventory source failure")
	ErrUnknownContainer = errors.New("unknown container")
)

// Key identifies one item across sources.
type Key struct {
	AccountName   string
	ContainerName string
	Name          string
}

type Item struct {
	Key
	Category      string
	CreatedOn     time.Time
	LastModified  time.Time
	ContentLength int64
	ContentHash   string // lowercase hex
}

// Scope narrows an enumeration. The zero value covers every container.
type Scope struct {
	Container string
}

// Source is an enumerable inventory. Each Enumerate call starts from the
// beginning. A failing source yields one error wrapping ErrSource and stops.
type Source interface {
	Name() string
	Enumerate(ctx context.Context, scope Scope) iter.Seq2[Item, error]
	// URL returns a link the chat platform can fetch the item from.
	URL(ctx context.Context, key Key) (string, error)
}

// CategoryOf returns the first non-empty path segment of name.
func CategoryOf(name string) string {
	for _, seg := range strings.Split(name, "/") {
		if seg != "" {
			return seg
		}
	}
	return ""
}

// Throttle paces seq to at most perSec items per second. perSec <= 0
// returns seq unchanged. Cancelling ctx ends the sequence with ctx.Err().
func Throttle(ctx context.Context, seq iter.Seq2[Item, error], perSec float64) iter.Seq2[Item, error] {
	if perSec <= 0 {
		return seq
	}
	return func(yield func(Item, error) bool) {
		lim := rate.NewLimiter(rate.Limit(perSec), 1)
		for it, err := range seq {
			if err == nil {
				if werr := lim.Wait(ctx); werr != nil {
					yield(Item{}, werr)
					return
				}
			}
			if !yield(it, err) {
				return
			}
		}
	}
}

func sourceErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSource, op, err)
}
