package notifier

import (
	"context"
	"time"

	"pobot/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled bool
	// Target receives reports and lifecycle notices.
	Target          transport.ChatTarget
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	PruneDedup(ctx context.Context, now time.Time) (int64, error)
}

type HistoryItem struct {
	ID   string
	At   time.Time
	Text string
}

// NotificationEvent is published on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	ID       string    `json:"id"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key,omitempty"`
	At       time.Time `json:"at"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Event types.
const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
)
