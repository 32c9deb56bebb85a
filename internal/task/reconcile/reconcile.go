// Package reconcile mirrors an external inventory into the store.
//
// A run streams the source in batches, upserting each batch in one
// transaction, then prunes records that three scans in a row failed to
// see. The prune is bounded per run; a backlog shortens the interval until
// it drains.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"pobot/internal/inventory"
	"pobot/internal/storage"
	logx "pobot/pkg/logx"
)

const (
	JobName = "reconcile"

	DefaultBatchSize   = 100
	DefaultInterval    = 24 * time.Hour
	DefaultMinInterval = time.Hour

	// Records missed by this many consecutive scans are presumed gone upstream.
	staleScans = 3
)

// ErrBusy is returned by RunOnce when another run is in progress.
var ErrBusy = errors.New("reconcile already running")

type Store interface {
	UpsertInventoryBatch(ctx context.Context, recs []storage.InventoryRecord) ([]bool, error)
	DeleteStaleInventory(ctx context.Context, q storage.StaleQuery) ([]storage.InventoryRecord, bool, error)
}

// Reporter receives the rendered report of a run that changed something.
type Reporter interface {
	Report(ctx context.Context, text string) error
}

type ReporterFunc func(ctx context.Context, text string) error

func (f ReporterFunc) Report(ctx context.Context, text string) error { return f(ctx, text) }

type Config struct {
	BatchSize int
	// Interval is the default cadence, restored whenever a run finds nothing stale.
	Interval       time.Duration
	MinInterval    time.Duration
	ThrottlePerSec float64
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.MinInterval > c.Interval {
		c.MinInterval = c.Interval
	}
	return c
}

type Reconciler struct {
	source   inventory.Source
	store    Store
	reporter Reporter
	log      logx.Logger
	now      func() time.Time

	mu       sync.Mutex
	cfg      Config
	interval time.Duration

	running sync.Mutex
}

type Option func(*Reconciler)

func WithLogger(log logx.Logger) Option     { return func(r *Reconciler) { r.log = log } }
func WithReporter(rep Reporter) Option      { return func(r *Reconciler) { r.reporter = rep } }
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

func New(src inventory.Source, st Store, cfg Config, opts ...Option) *Reconciler {
	cfg = cfg.withDefaults()
	r := &Reconciler{
		source:   src,
		store:    st,
		now:      time.Now,
		cfg:      cfg,
		interval: cfg.Interval,
	}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.log = r.log.With(logx.String("comp", "reconcile"), logx.String("source", src.Name()))
	return r
}

func (r *Reconciler) Name() string { return JobName }

// Interval is the current cadence. It changes between runs as pruning
// backlog comes and goes.
func (r *Reconciler) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// Apply swaps the configuration. The current interval restarts from the new default.
func (r *Reconciler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	r.cfg = cfg
	r.interval = cfg.Interval
	r.mu.Unlock()
}

func (r *Reconciler) config() (Config, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg, r.interval
}

// ExecuteOnce is the periodic run: a throttled scan of every container,
// a bounded prune, interval adaptation and a report when anything changed.
func (r *Reconciler) ExecuteOnce(ctx context.Context) error {
	r.running.Lock()
	defer r.running.Unlock()

	counts, err := r.run(ctx, inventory.Scope{}, true)
	if err != nil {
		return err
	}
	return r.report(ctx, counts)
}

// RunOnce scans a single container (all of them when container is empty)
// without throttling or interval adaptation. It fails with ErrBusy rather
// than queueing behind a periodic run.
func (r *Reconciler) RunOnce(ctx context.Context, container string) (Counts, error) {
	if !r.running.TryLock() {
		return nil, ErrBusy
	}
	defer r.running.Unlock()
	return r.run(ctx, inventory.Scope{Container: container}, false)
}

func (r *Reconciler) run(ctx context.Context, scope inventory.Scope, periodic bool) (Counts, error) {
	cfg, interval := r.config()
	start := r.now()
	counts := Counts{}

	seq := r.source.Enumerate(ctx, scope)
	if periodic {
		seq = inventory.Throttle(ctx, seq, cfg.ThrottlePerSec)
	}

	scanned, err := r.scan(ctx, seq, cfg.BatchSize, counts)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return counts, ctx.Err()
	case errors.Is(err, inventory.ErrUnknownContainer):
		return counts, err
	case errors.Is(err, inventory.ErrSource):
		// Streamed batches stay stored. Nothing is pruned and the interval
		// is left alone: an outage must not look like a shrinking inventory.
		r.log.Warn("source failed, skipping prune", logx.Int("scanned", scanned), logx.Err(err))
		return counts, fmt.Errorf("scan aborted after %d items: %w", scanned, err)
	default:
		return counts, err
	}

	stale := storage.StaleQuery{
		AccountName:   r.source.Name(),
		ContainerName: scope.Container,
		Before:        start.Add(-staleScans * interval),
		Limit:         cfg.BatchSize,
	}
	deleted, more, err := r.store.DeleteStaleInventory(ctx, stale)
	if err != nil {
		return counts, fmt.Errorf("prune stale inventory: %w", err)
	}
	for _, rec := range deleted {
		counts.get(rec.Category).Removed++
	}
	switch {
	case more:
		r.log.Warn("stale backlog exceeds prune limit", logx.Int("removed", len(deleted)), logx.Int("limit", cfg.BatchSize))
	case len(deleted) > 0:
		r.log.Info("pruned stale records", logx.Int("removed", len(deleted)))
	default:
		r.log.Debug("nothing stale")
	}
	if periodic {
		r.adapt(more, len(deleted) == 0)
	}

	r.log.Info("reconcile finished",
		logx.Int("scanned", scanned),
		logx.Int("added", counts.Added()),
		logx.Int("removed", counts.Removed()),
		logx.Duration("dur", r.now().Sub(start)),
	)
	return counts, nil
}

// scan upserts the sequence batch by batch and returns how many items it stored.
func (r *Reconciler) scan(ctx context.Context, seq iter.Seq2[inventory.Item, error], size int, counts Counts) (int, error) {
	batch := make([]storage.InventoryRecord, 0, size)
	scanned := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		inserted, err := r.store.UpsertInventoryBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("upsert batch: %w", err)
		}
		for i, rec := range batch {
			c := counts.get(rec.Category)
			if inserted[i] {
				c.Added++
			}
			c.Total++
		}
		scanned += len(batch)
		batch = batch[:0]
		return nil
	}

	for it, err := range seq {
		if err != nil {
			if ferr := flush(); ferr != nil {
				return scanned, ferr
			}
			return scanned, err
		}
		batch = append(batch, record(it, r.now()))
		if len(batch) >= size {
			if err := flush(); err != nil {
				return scanned, err
			}
		}
	}
	if err := flush(); err != nil {
		return scanned, err
	}
	return scanned, ctx.Err()
}

// adapt halves the interval while a prune backlog remains and restores the
// default once a run finds nothing stale.
func (r *Reconciler) adapt(backlog, clean bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.interval
	switch {
	case backlog:
		r.interval = max(r.interval/2, r.cfg.MinInterval)
	case clean:
		r.interval = r.cfg.Interval
	}
	if r.interval != prev {
		r.log.Info("interval changed", logx.Duration("from", prev), logx.Duration("to", r.interval))
	}
}

func (r *Reconciler) report(ctx context.Context, counts Counts) error {
	text := BuildReport(counts)
	if text == "" {
		r.log.Debug("nothing new to report")
		return nil
	}
	if r.reporter == nil {
		return nil
	}
	if err := r.reporter.Report(ctx, text); err != nil {
		r.log.Warn("report failed", logx.Err(err))
	}
	return nil
}

func record(it inventory.Item, now time.Time) storage.InventoryRecord {
	return storage.InventoryRecord{
		InventoryKey: storage.InventoryKey{
			AccountName:   it.AccountName,
			ContainerName: it.ContainerName,
			Name:          it.Name,
		},
		Category:      it.Category,
		CreatedOn:     it.CreatedOn,
		LastModified:  it.LastModified,
		LastSeenAt:    now,
		ContentLength: it.ContentLength,
		ContentHash:   it.ContentHash,
	}
}
