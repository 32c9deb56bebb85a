package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"maps"
	"slices"
	"strings"
	"time"

	"pobot/internal/inventory"
	rtsup "pobot/internal/runtime/supervisor"
	"pobot/internal/storage"
	"pobot/internal/task/dispatch"
	"pobot/internal/task/executor"
	"pobot/internal/task/reconcile"
	logx "pobot/pkg/logx"
)

const queueListLimit = 10

// commandSettings are the live knobs commands read on every call.
type commandSettings struct {
	Container string
	MinDelay  time.Duration
	MaxDelay  time.Duration
}

// commands holds the producer and operator handlers.
type commands struct {
	store      *storage.Store
	source     inventory.Source
	dispatcher *dispatch.Dispatcher
	reconciler *reconcile.Reconciler

	// optional, nil in tests
	executors   []*executor.Executor
	supervisors func() map[string]*rtsup.Supervisor

	settings func() commandSettings
	now      func() time.Time
}

func (c *commands) list() []Command {
	return []Command{
		{Name: "schedule", Usage: "<delay> [category]", Description: "schedule a random unseen image", Handle: c.schedule},
		{Name: "remind", Usage: "<delay> <text>", Description: "schedule a text message", Handle: c.remind},
		{Name: "queue", Description: "list upcoming items", Handle: c.queue},
		{Name: "status", Description: "jobs, queue and inventory", Handle: c.status},
		{Name: "sync", Usage: "[container]", Description: "reconcile the inventory now", Access: AccessOwnerOnly, Timeout: -1, Handle: c.sync},
		{Name: "reset", Usage: "[category]", Description: "mark images unseen again", Access: AccessOwnerOnly, Handle: c.reset},
	}
}

func (c *commands) parseDelay(raw string) (time.Duration, error) {
	s := c.settings()
	lo, hi := s.MinDelay, s.MaxDelay
	if lo <= 0 {
		lo = DefaultMinDelay
	}
	if hi <= 0 {
		hi = DefaultMaxDelay
	}
	return ParseDelay(raw, lo, hi)
}

func (c *commands) enqueue(ctx context.Context, req *Request, it *storage.ScheduledItem, delay time.Duration) error {
	now := c.now()
	it.Target = storage.Target{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID}
	it.Username = req.Username
	if it.Username == "" {
		it.Username = fmt.Sprintf("user %d", req.FromID)
	}
	it.CreatedAt = now
	it.ScheduledAt = now.Add(delay)
	if err := c.dispatcher.Schedule(ctx, it); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	req.Logger.Info("item scheduled",
		logx.Int64("id", it.ID),
		logx.String("kind", string(it.Kind)),
		logx.Time("at", it.ScheduledAt),
	)
	return req.Reply(ctx, fmt.Sprintf("Scheduled #%d in %s (%s UTC)", it.ID, FormatDelay(delay), it.ScheduledAt.UTC().Format("2006-01-02 15:04")))
}

func (c *commands) schedule(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 || len(req.Args) > 2 {
		return req.Reply(ctx, "usage: /schedule <delay> [category]")
	}
	d, err := c.parseDelay(req.Args[0])
	if err != nil {
		return req.Reply(ctx, err.Error())
	}
	it := &storage.ScheduledItem{Kind: storage.KindImage, Container: c.settings().Container}
	if len(req.Args) == 2 {
		it.Category = req.Args[1]
	}
	return c.enqueue(ctx, req, it, d)
}

func (c *commands) remind(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return req.Reply(ctx, "usage: /remind <delay> <text>")
	}
	d, err := c.parseDelay(req.Args[0])
	if err != nil {
		return req.Reply(ctx, err.Error())
	}
	it := &storage.ScheduledItem{Kind: storage.KindMessage, Text: strings.Join(req.Args[1:], " ")}
	return c.enqueue(ctx, req, it, d)
}

func (c *commands) queue(ctx context.Context, req *Request) error {
	items, err := c.store.NextScheduledItems(ctx, queueListLimit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return req.Reply(ctx, "Nothing scheduled.")
	}
	total, err := c.store.CountScheduledItems(ctx)
	if err != nil {
		return err
	}
	now := c.now()
	var sb strings.Builder
	for _, it := range items {
		what := "image " + categoryLabel(it.Category)
		if it.Kind == storage.KindMessage {
			what = "reminder"
		}
		fmt.Fprintf(&sb, "#%d %s in %s (%s)\n", it.ID, what, FormatDelay(max(0, it.ScheduledAt.Sub(now))), it.Username)
	}
	if rest := total - int64(len(items)); rest > 0 {
		fmt.Fprintf(&sb, "... and %d more", rest)
	}
	return req.Reply(ctx, strings.TrimRight(sb.String(), "\n"))
}

func (c *commands) status(ctx context.Context, req *Request) error {
	var sb strings.Builder
	now := c.now()

	entries, err := c.store.ListLedger(ctx)
	if err != nil {
		return err
	}
	sb.WriteString("<b>jobs</b>\n")
	if len(entries) == 0 {
		sb.WriteString("no runs yet\n")
	}
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s: %d runs, last %s ago\n", html.EscapeString(e.Name), e.ExecutionCount, FormatDelay(now.Sub(e.LastExecutedAt)))
	}
	for _, ex := range c.executors {
		st := ex.Status()
		fmt.Fprintf(&sb, "%s is %s, interval %s", st.Job, st.State, FormatDelay(ex.Interval()))
		if st.LastErr != "" {
			fmt.Fprintf(&sb, ", last error: %s", html.EscapeString(st.LastErr))
		}
		sb.WriteByte('\n')
	}

	pending, err := c.store.CountScheduledItems(ctx)
	if err != nil {
		return err
	}
	delivered, failed := c.dispatcher.Counters()
	fmt.Fprintf(&sb, "\n<b>queue</b>\n%d pending, %d delivered, %d failed\n", pending, delivered, failed)

	stats, err := c.store.InventoryStats(ctx, c.source.Name())
	if err != nil {
		return err
	}
	fmt.Fprintf(&sb, "\n<b>inventory</b> (%s)\n", html.EscapeString(c.source.Name()))
	if len(stats) == 0 {
		sb.WriteString("empty\n")
	}
	for _, s := range stats {
		fmt.Fprintf(&sb, "%s/%s: %d unseen of %d\n", html.EscapeString(s.ContainerName), html.EscapeString(s.Category), s.Unseen, s.Total)
	}

	if c.supervisors != nil {
		sups := c.supervisors()
		sb.WriteString("\n<b>runtime</b>\n")
		for _, name := range slices.Sorted(maps.Keys(sups)) {
			sup := sups[name]
			if sup == nil {
				fmt.Fprintf(&sb, "%s: stopped\n", name)
				continue
			}
			snap := sup.Snapshot()
			fmt.Fprintf(&sb, "%s: %d active", name, snap.Active)
			if snap.FirstError != "" {
				fmt.Fprintf(&sb, ", first error: %s", html.EscapeString(snap.FirstError))
			}
			sb.WriteByte('\n')
		}
	}
	return req.ReplyHTML(ctx, strings.TrimRight(sb.String(), "\n"))
}

func (c *commands) sync(ctx context.Context, req *Request) error {
	container := ""
	if len(req.Args) > 0 {
		container = req.Args[0]
	}
	_ = req.Reply(ctx, "Reconciling "+categoryLabel(container)+"...")
	counts, err := c.reconciler.RunOnce(ctx, container)
	switch {
	case errors.Is(err, reconcile.ErrBusy):
		return req.Reply(ctx, "A reconciliation is already running.")
	case errors.Is(err, inventory.ErrUnknownContainer):
		return req.Reply(ctx, fmt.Sprintf("Unknown container %q.", container))
	case err != nil:
		return err
	}
	if report := reconcile.BuildReport(counts); report != "" {
		return req.ReplyHTML(ctx, report)
	}
	return req.Reply(ctx, fmt.Sprintf("No changes (%d items).", counts.Total()))
}

func (c *commands) reset(ctx context.Context, req *Request) error {
	category := ""
	if len(req.Args) > 0 {
		category = req.Args[0]
	}
	n, err := c.store.ResetInventorySeen(ctx, storage.PickQuery{
		AccountName:    c.source.Name(),
		ContainerName:  c.settings().Container,
		CategoryPrefix: category,
	})
	if err != nil {
		return err
	}
	req.Logger.Info("inventory reset", logx.String("category", category), logx.Int64("count", n))
	return req.Reply(ctx, fmt.Sprintf("Reset view status for %d images in %s.", n, categoryLabel(category)))
}
