package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"pobot/internal/inventory"
	"pobot/internal/storage"
	"pobot/internal/transport"
	logx "pobot/pkg/logx"
)

type sent struct {
	to    transport.ChatTarget
	text  string
	photo *transport.Photo
	opt   *transport.SendOptions
}

type fakeSender struct {
	mu   sync.Mutex
	got  []sent
	fail error
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return transport.MessageRef{}, f.fail
	}
	f.got = append(f.got, sent{to: to, text: text, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.got)}, nil
}

func (f *fakeSender) SendPhoto(_ context.Context, to transport.ChatTarget, photo transport.Photo, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return transport.MessageRef{}, f.fail
	}
	f.got = append(f.got, sent{to: to, photo: &photo, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.got)}, nil
}

func (f *fakeSender) sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.got...)
}

func (f *fakeSender) last(t *testing.T) sent {
	t.Helper()
	got := f.sent()
	require.NotEmpty(t, got)
	return got[len(got)-1]
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "pobot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// newSource is a local source with two containers:
// pics holds cats/a.jpg, cats/b.jpg, dogs/c.jpg; other holds birds/d.jpg.
func newSource(t *testing.T) *inventory.LocalSource {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, p := range []string{"/srv/pics/cats/a.jpg", "/srv/pics/cats/b.jpg", "/srv/pics/dogs/c.jpg", "/srv/other/birds/d.jpg"} {
		require.NoError(t, afero.WriteFile(fs, p, []byte(p), 0o644))
	}
	return inventory.NewLocal(fs, inventory.LocalConfig{AccountName: "home", Root: "/srv", BaseURL: "https://img.example.com"})
}

// seed copies the source into the store the way a reconcile run would.
func seed(t *testing.T, st *storage.Store, src inventory.Source) {
	t.Helper()
	var recs []storage.InventoryRecord
	for it, err := range src.Enumerate(context.Background(), inventory.Scope{}) {
		require.NoError(t, err)
		recs = append(recs, storage.InventoryRecord{
			InventoryKey: storage.InventoryKey{AccountName: it.AccountName, ContainerName: it.ContainerName, Name: it.Name},
			Category:     it.Category,
			LastSeenAt:   time.Now(),
			ContentHash:  it.ContentHash,
		})
	}
	_, err := st.UpsertInventoryBatch(context.Background(), recs)
	require.NoError(t, err)
}

var errSend = errors.New("chat unavailable")
