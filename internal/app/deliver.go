package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pobot/internal/inventory"
	"pobot/internal/runtime/gate"
	"pobot/internal/storage"
	"pobot/internal/transport"
	logx "pobot/pkg/logx"
)

// Picker is the slice of the store image delivery needs.
type Picker interface {
	PickUnseenInventory(ctx context.Context, q storage.PickQuery) (storage.Pick, error)
	MarkInventorySeen(ctx context.Context, key storage.InventoryKey) error
}

// SentRecorder keeps refs of delivered messages for the cleanup job.
type SentRecorder interface {
	RecordSentMessage(ctx context.Context, m *storage.SentMessage) error
}

// Deliverer sends due scheduled items through the chat sender once it is ready.
type Deliverer struct {
	store  Picker
	source inventory.Source
	sender *gate.Gate[transport.Sender]
	log    logx.Logger

	sent   SentRecorder
	tracks func(chat int64) bool
}

func NewDeliverer(store Picker, source inventory.Source, sender *gate.Gate[transport.Sender], log logx.Logger) *Deliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deliverer{store: store, source: source, sender: sender, log: log.With(logx.String("comp", "deliver"))}
}

// KeepSent records every delivered message whose chat tracks reports true.
func (d *Deliverer) KeepSent(rec SentRecorder, tracks func(chat int64) bool) {
	d.sent, d.tracks = rec, tracks
}

func (d *Deliverer) keep(ctx context.Context, ref transport.MessageRef) {
	if d.sent == nil || ref.MessageID == 0 || !d.tracks(ref.ChatID) {
		return
	}
	m := &storage.SentMessage{ChatID: ref.ChatID, ThreadID: ref.ThreadID, MessageID: ref.MessageID}
	if err := d.sent.RecordSentMessage(ctx, m); err != nil {
		d.log.Warn("record sent message failed", logx.Int("message_id", ref.MessageID), logx.Err(err))
	}
}

func (d *Deliverer) Deliver(ctx context.Context, it storage.ScheduledItem, nextIn *time.Duration) error {
	sender, err := d.sender.Wait(ctx)
	if err != nil {
		return fmt.Errorf("sender not ready: %w", err)
	}
	to := transport.ChatTarget{ChatID: it.Target.ChatID, ThreadID: it.Target.ThreadID}

	switch it.Kind {
	case storage.KindMessage:
		text := it.Text
		if it.Username != "" {
			text = "Reminder from " + it.Username + ":\n" + text
		}
		ref, err := sender.SendText(ctx, to, text, nil)
		if err != nil {
			return err
		}
		d.keep(ctx, ref)
		return nil
	case storage.KindImage:
		return d.deliverImage(ctx, sender, to, it, nextIn)
	default:
		return fmt.Errorf("unknown item kind %q", it.Kind)
	}
}

func (d *Deliverer) deliverImage(ctx context.Context, sender transport.Sender, to transport.ChatTarget, it storage.ScheduledItem, nextIn *time.Duration) error {
	pick, err := d.store.PickUnseenInventory(ctx, storage.PickQuery{
		AccountName:    d.source.Name(),
		ContainerName:  it.Container,
		CategoryPrefix: it.Category,
	})
	if errors.Is(err, storage.ErrNotFound) {
		ref, err := sender.SendText(ctx, to, fmt.Sprintf("Category prefix %s has no images remaining. Try /reset %s",
			categoryLabel(it.Category), it.Category), nil)
		if err != nil {
			return err
		}
		d.keep(ctx, ref)
		return nil
	}
	if err != nil {
		return fmt.Errorf("pick: %w", err)
	}

	rec := pick.Record
	url, err := d.source.URL(ctx, inventory.Key{
		AccountName:   rec.AccountName,
		ContainerName: rec.ContainerName,
		Name:          rec.Name,
	})
	if err != nil {
		return fmt.Errorf("url %s/%s: %w", rec.ContainerName, rec.Name, err)
	}
	ref, err := sender.SendPhoto(ctx, to, transport.Photo{URL: url, Caption: Caption(it, pick, nextIn)}, nil)
	if err != nil {
		return err
	}
	d.keep(ctx, ref)
	if err := d.store.MarkInventorySeen(ctx, rec.InventoryKey); err != nil {
		d.log.Warn("mark seen failed", logx.String("name", rec.Name), logx.Err(err))
	}
	return nil
}

// Caption describes a delivered image: its name, who asked for what, the
// odds of its category, and when the next item is due.
func Caption(it storage.ScheduledItem, pick storage.Pick, nextIn *time.Duration) string {
	var sb strings.Builder
	sb.WriteString(pick.Record.Name)
	user := it.Username
	if user == "" {
		user = "unknown"
	}
	fmt.Fprintf(&sb, "\nRequest: %s (%s)", categoryLabel(it.Category), user)
	fmt.Fprintf(&sb, "\nResponse category chance: %.2f%%", pick.Chance()*100)
	if nextIn != nil {
		sb.WriteString("\nNext in " + FormatDelay(*nextIn))
	}
	return sb.String()
}

func categoryLabel(c string) string {
	if c == "" {
		return "(any)"
	}
	return c
}
