// Package cleanup deletes bot messages once they are older than MaxAge.
//
// Delivery records the ref of every message it sends to an opted-in chat.
// A run walks the refs older than MaxAge, deletes each message through the
// sender and forgets the ref whether or not the delete succeeded, so a
// message the platform refuses to delete is tried once.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"pobot/internal/runtime/gate"
	"pobot/internal/storage"
	"pobot/internal/transport"
	logx "pobot/pkg/logx"
)

const (
	JobName = "cleanup"

	DefaultInterval  = 24 * time.Hour
	DefaultMaxAge    = 24 * time.Hour
	DefaultBatchSize = 100
)

type Store interface {
	SentMessagesBefore(ctx context.Context, t time.Time, limit int) ([]storage.SentMessage, error)
	ForgetSentMessage(ctx context.Context, id int64) error
}

type Config struct {
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
	// Chats lists the opted-in chats. Refs of any other chat are forgotten
	// without deleting the message.
	Chats []int64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	c.Chats = slices.Clone(c.Chats)
	return c
}

// Tracks reports whether messages sent to chat are kept for cleanup.
func (c Config) Tracks(chat int64) bool { return slices.Contains(c.Chats, chat) }

type Cleaner struct {
	store  Store
	sender *gate.Gate[transport.Sender]

	mu  sync.Mutex
	cfg Config

	log logx.Logger
	now func() time.Time
}

type Option func(*Cleaner)

func WithLogger(log logx.Logger) Option     { return func(c *Cleaner) { c.log = log } }
func WithClock(now func() time.Time) Option { return func(c *Cleaner) { c.now = now } }

func New(st Store, sender *gate.Gate[transport.Sender], cfg Config, opts ...Option) *Cleaner {
	c := &Cleaner{store: st, sender: sender, cfg: cfg.withDefaults(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("job", JobName))
	return c
}

func (c *Cleaner) Name() string { return JobName }

func (c *Cleaner) Interval() time.Duration { return c.config().Interval }

func (c *Cleaner) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

func (c *Cleaner) config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Tracks is the live opt-in check used by delivery.
func (c *Cleaner) Tracks(chat int64) bool { return c.config().Tracks(chat) }

func (c *Cleaner) ExecuteOnce(ctx context.Context) error {
	cfg := c.config()
	sender, err := c.sender.Wait(ctx)
	if err != nil {
		return fmt.Errorf("sender not ready: %w", err)
	}
	del, ok := sender.(transport.Deleter)
	if !ok {
		return errors.New("sender cannot delete messages")
	}

	cutoff := c.now().Add(-cfg.MaxAge)
	var deleted, failed, skipped int
	for {
		refs, err := c.store.SentMessagesBefore(ctx, cutoff, cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list sent messages: %w", err)
		}
		for _, m := range refs {
			switch {
			case !cfg.Tracks(m.ChatID):
				skipped++
			default:
				ref := transport.MessageRef{ChatID: m.ChatID, ThreadID: m.ThreadID, MessageID: m.MessageID}
				if err := del.DeleteMessage(ctx, ref); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					failed++
					c.log.Debug("delete failed", logx.Int64("chat_id", m.ChatID), logx.Int("message_id", m.MessageID), logx.Err(err))
				} else {
					deleted++
				}
			}
			if err := c.store.ForgetSentMessage(ctx, m.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("forget sent message %d: %w", m.ID, err)
			}
		}
		if len(refs) < cfg.BatchSize {
			break
		}
	}

	c.log.Info("cleanup finished",
		logx.Int("deleted", deleted),
		logx.Int("failed", failed),
		logx.Int("skipped", skipped),
	)
	return nil
}
