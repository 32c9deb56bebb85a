package reconcile

import (
	"context"
	"fmt"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pobot/internal/inventory"
	"pobot/internal/storage"
	logx "pobot/pkg/logx"
)

type sliceSource struct {
	items     []inventory.Item
	failAfter int   // yield a source error after this many items; 0 disables
	down      error // yielded before any item when set
}

func (s *sliceSource) Name() string { return "acct" }

func (s *sliceSource) Enumerate(ctx context.Context, scope inventory.Scope) iter.Seq2[inventory.Item, error] {
	return func(yield func(inventory.Item, error) bool) {
		if s.down != nil {
			yield(inventory.Item{}, s.down)
			return
		}
		for i, it := range s.items {
			if s.failAfter > 0 && i == s.failAfter {
				yield(inventory.Item{}, fmt.Errorf("%w: connection reset", inventory.ErrSource))
				return
			}
			if scope.Container != "" && it.ContainerName != scope.Container {
				continue
			}
			if !yield(it, nil) {
				return
			}
		}
	}
}

func (s *sliceSource) URL(context.Context, inventory.Key) (string, error) { return "", nil }

func item(container, name string) inventory.Item {
	return inventory.Item{
		Key:           inventory.Key{AccountName: "acct", ContainerName: container, Name: name},
		Category:      inventory.CategoryOf(name),
		ContentLength: 10,
		ContentHash:   "abc",
	}
}

func petSource() *sliceSource {
	src := &sliceSource{}
	for i := range 100 {
		src.items = append(src.items, item("pets", fmt.Sprintf("cats/%03d.jpg", i)))
	}
	for i := range 50 {
		src.items = append(src.items, item("pets", fmt.Sprintf("dogs/%03d.jpg", i)))
	}
	return src
}

type countingStore struct {
	*storage.Store
	mu      sync.Mutex
	batches []int
}

func (s *countingStore) UpsertInventoryBatch(ctx context.Context, recs []storage.InventoryRecord) ([]bool, error) {
	s.mu.Lock()
	s.batches = append(s.batches, len(recs))
	s.mu.Unlock()
	return s.Store.UpsertInventoryBatch(ctx, recs)
}

func openStore(t *testing.T) *countingStore {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "inv.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return &countingStore{Store: st}
}

type reports struct {
	mu   sync.Mutex
	sent []string
}

func (r *reports) Report(_ context.Context, text string) error {
	r.mu.Lock()
	r.sent = append(r.sent, text)
	r.mu.Unlock()
	return nil
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	rep := &reports{}
	now := time.UnixMilli(1_700_000_000_000)
	r := New(petSource(), st, Config{}, WithReporter(rep), WithClock(func() time.Time { return now }))

	first, err := r.RunOnce(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Count{Added: 100, Total: 100}, *first["cats"])
	assert.Equal(t, Count{Added: 50, Total: 50}, *first["dogs"])
	assert.Equal(t, []int{100, 50}, st.batches)

	now = now.Add(time.Hour)
	second, err := r.RunOnce(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Count{Total: 100}, *second["cats"])
	assert.Equal(t, Count{Total: 50}, *second["dogs"])
	assert.False(t, second.Changed())

	stats, err := st.InventoryStats(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, int64(100), stats[0].Total)
}

func TestExecuteOnceReportsOnlyChanges(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	rep := &reports{}
	now := time.UnixMilli(1_700_000_000_000)
	r := New(petSource(), st, Config{}, WithReporter(rep), WithClock(func() time.Time { return now }))

	require.NoError(t, r.ExecuteOnce(ctx))
	require.Len(t, rep.sent, 1)
	assert.Contains(t, rep.sent[0], "cats")
	assert.Contains(t, rep.sent[0], "TOTAL")

	now = now.Add(time.Hour)
	require.NoError(t, r.ExecuteOnce(ctx))
	assert.Len(t, rep.sent, 1, "an unchanged source must not be reported")
}

func TestUpsertKeepsSeenFlag(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	src := &sliceSource{items: []inventory.Item{item("pets", "cats/a.jpg")}}
	r := New(src, st, Config{})

	_, err := r.RunOnce(ctx, "")
	require.NoError(t, err)
	key := storage.InventoryKey{AccountName: "acct", ContainerName: "pets", Name: "cats/a.jpg"}
	require.NoError(t, st.MarkInventorySeen(ctx, key))

	src.items[0].ContentLength = 99
	_, err = r.RunOnce(ctx, "")
	require.NoError(t, err)

	rec, err := st.GetInventory(ctx, key)
	require.NoError(t, err)
	assert.True(t, rec.Seen)
	assert.Equal(t, int64(99), rec.ContentLength)
}

func TestDeletionBoundary(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	now := time.UnixMilli(1_700_000_000_000)
	cutoff := now.Add(-3 * DefaultInterval)
	eps := time.Second

	gone := storage.InventoryRecord{
		InventoryKey: storage.InventoryKey{AccountName: "acct", ContainerName: "pets", Name: "cats/old.jpg"},
		Category:     "cats",
		LastSeenAt:   cutoff.Add(-eps),
	}
	kept := storage.InventoryRecord{
		InventoryKey: storage.InventoryKey{AccountName: "acct", ContainerName: "pets", Name: "cats/recent.jpg"},
		Category:     "cats",
		LastSeenAt:   cutoff.Add(eps),
	}
	_, err := st.Store.UpsertInventoryBatch(ctx, []storage.InventoryRecord{gone, kept})
	require.NoError(t, err)

	rep := &reports{}
	r := New(&sliceSource{}, st, Config{}, WithReporter(rep), WithClock(func() time.Time { return now }))
	require.NoError(t, r.ExecuteOnce(ctx))

	_, err = st.GetInventory(ctx, gone.InventoryKey)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = st.GetInventory(ctx, kept.InventoryKey)
	require.NoError(t, err)

	require.Len(t, rep.sent, 1)
	assert.Contains(t, rep.sent[0], "cats")
}

func TestIntervalAdaptsToBacklog(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	now := time.UnixMilli(1_700_000_000_000)

	var old []storage.InventoryRecord
	for i := range 5 {
		old = append(old, storage.InventoryRecord{
			InventoryKey: storage.InventoryKey{AccountName: "acct", ContainerName: "pets", Name: fmt.Sprintf("dogs/%d.jpg", i)},
			Category:     "dogs",
			LastSeenAt:   now.Add(-30 * 24 * time.Hour),
		})
	}
	_, err := st.Store.UpsertInventoryBatch(ctx, old)
	require.NoError(t, err)

	r := New(&sliceSource{}, st, Config{BatchSize: 2, MinInterval: 10 * time.Hour}, WithClock(func() time.Time { return now }))
	assert.Equal(t, DefaultInterval, r.Interval())

	// 5 stale, 2 removed, backlog: halve.
	require.NoError(t, r.ExecuteOnce(ctx))
	assert.Equal(t, 12*time.Hour, r.Interval())

	// 3 stale, 2 removed, backlog: halve but never below the floor.
	require.NoError(t, r.ExecuteOnce(ctx))
	assert.Equal(t, 10*time.Hour, r.Interval())

	// Last one removed, no backlog, not clean: unchanged.
	require.NoError(t, r.ExecuteOnce(ctx))
	assert.Equal(t, 10*time.Hour, r.Interval())

	// Clean: back to the default.
	require.NoError(t, r.ExecuteOnce(ctx))
	assert.Equal(t, DefaultInterval, r.Interval())
}

func TestSourceFailureKeepsStreamedBatches(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	src := petSource()
	src.failAfter = 120
	r := New(src, st, Config{})

	counts, err := r.RunOnce(ctx, "")
	require.ErrorIs(t, err, inventory.ErrSource)
	assert.Equal(t, 120, counts.Total())

	n := 0
	stats, err := st.InventoryStats(ctx, "acct")
	require.NoError(t, err)
	for _, s := range stats {
		n += int(s.Total)
	}
	assert.Equal(t, 120, n)
}

func TestSourceOutageKeepsOldRecords(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	now := time.UnixMilli(1_700_000_000_000)

	var old []storage.InventoryRecord
	for i := range 5 {
		old = append(old, storage.InventoryRecord{
			InventoryKey: storage.InventoryKey{AccountName: "acct", ContainerName: "pets", Name: fmt.Sprintf("cats/%d.jpg", i)},
			Category:     "cats",
			Seen:         i%2 == 0,
			LastSeenAt:   now.Add(-4 * DefaultInterval),
		})
	}
	_, err := st.Store.UpsertInventoryBatch(ctx, old)
	require.NoError(t, err)

	src := &sliceSource{down: fmt.Errorf("%w: list buckets: 403", inventory.ErrSource)}
	rep := &reports{}
	r := New(src, st, Config{BatchSize: 2}, WithReporter(rep), WithClock(func() time.Time { return now }))

	err = r.ExecuteOnce(ctx)
	require.ErrorIs(t, err, inventory.ErrSource)
	assert.Empty(t, rep.sent)
	assert.Equal(t, DefaultInterval, r.Interval())

	for _, rec := range old {
		got, err := st.GetInventory(ctx, rec.InventoryKey)
		require.NoError(t, err)
		assert.Equal(t, rec.Seen, got.Seen)
	}
}

func TestRunOnceBusy(t *testing.T) {
	st := openStore(t)
	r := New(&sliceSource{}, st, Config{})
	r.running.Lock()
	defer r.running.Unlock()

	_, err := r.RunOnce(context.Background(), "pets")
	require.ErrorIs(t, err, ErrBusy)
}

func TestBuildReport(t *testing.T) {
	assert.Empty(t, BuildReport(Counts{"cats": {Total: 3}}))

	got := BuildReport(Counts{
		"cats": {Added: 2, Total: 5},
		"dogs": {Total: 4},
		"fish": {Removed: 1, Total: 0},
	})
	want := "<pre>" +
		"CATEGORY    ADDED  REMOVED    TOTAL\n" +
		"========  =======  =======  =======\n" +
		"cats            2        0        5\n" +
		"fish            0        1        0\n" +
		"TOTAL           2        1        9\n" +
		"</pre>"
	assert.Equal(t, want, got)
}
