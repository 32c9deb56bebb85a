package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pobot/internal/eventbus"
	"pobot/internal/runtime/gate"
	"pobot/internal/storage"
	"pobot/internal/transport"
	logx "pobot/pkg/logx"
)

type sent struct {
	to   transport.ChatTarget
	text string
	opt  *transport.SendOptions
}

type fakeSender struct {
	mu       sync.Mutex
	got      []sent
	failures int // fail this many calls before succeeding
	calls    int
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return transport.MessageRef{}, errors.New("too many requests")
	}
	f.got = append(f.got, sent{to: to, text: text, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.got)}, nil
}

func (f *fakeSender) SendPhoto(context.Context, transport.ChatTarget, transport.Photo, *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, errors.New("not used")
}

func (f *fakeSender) sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.got...)
}

func newService(t *testing.T, cfg Config, bus eventbus.Bus, store DedupStore) (*Service, *gate.Gate[transport.Sender]) {
	t.Helper()
	g := gate.New[transport.Sender]()
	s := New(cfg, g, logx.Nop(), bus, store)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		s.Stop(stopCtx)
		cancel()
	})
	return s, g
}

func TestNotifyWaitsForSender(t *testing.T) {
	fs := &fakeSender{}
	s, g := newService(t, Config{Enabled: true, Target: transport.ChatTarget{ChatID: 7}, RatePerSec: 100}, nil, nil)

	id, err := s.Notify(context.Background(), transport.Notification{Text: "started"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fs.sent())

	g.Signal(fs)
	require.Eventually(t, func() bool { return len(fs.sent()) == 1 }, time.Second, 5*time.Millisecond)
	got := fs.sent()[0]
	assert.Equal(t, int64(7), got.to.ChatID)
	assert.Equal(t, "started", got.text)
	require.Len(t, s.History(), 1)
	assert.Equal(t, id, s.History()[0].ID)
}

func TestNotifyRetries(t *testing.T) {
	fs := &fakeSender{failures: 2}
	bus := eventbus.New()
	events, unsub := bus.Subscribe("notifier.sent", 1)
	defer unsub()

	s, g := newService(t, Config{
		Enabled: true, Target: transport.ChatTarget{ChatID: 1}, RatePerSec: 100,
		RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond,
	}, bus, nil)
	g.Signal(fs)

	_, err := s.Notify(context.Background(), transport.Notification{Text: "flaky"})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, 3, ev.Data.(NotificationEvent).Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not sent")
	}
	assert.Len(t, fs.sent(), 1)
}

func TestReportUsesHTML(t *testing.T) {
	fs := &fakeSender{}
	s, g := newService(t, Config{Enabled: true, Target: transport.ChatTarget{ChatID: 3, ThreadID: 9}, RatePerSec: 100}, nil, nil)
	g.Signal(fs)

	require.NoError(t, s.Report(context.Background(), "<pre>x</pre>"))
	require.Eventually(t, func() bool { return len(fs.sent()) == 1 }, time.Second, 5*time.Millisecond)
	got := fs.sent()[0]
	assert.Equal(t, transport.ChatTarget{ChatID: 3, ThreadID: 9}, got.to)
	require.NotNil(t, got.opt)
	assert.Equal(t, "HTML", got.opt.ParseMode)
}

func TestDedupPersistsAcrossRestarts(t *testing.T) {
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "n.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	cfg := Config{Enabled: true, Target: transport.ChatTarget{ChatID: 1}, RatePerSec: 100, DedupWindow: time.Hour, PersistDedup: true}
	n := transport.Notification{Text: "disk almost full"}

	fs := &fakeSender{}
	s, g := newService(t, cfg, nil, st)
	g.Signal(fs)
	_, err = s.Notify(context.Background(), n)
	require.NoError(t, err)
	_, err = s.Notify(context.Background(), n)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(fs.sent()) == 1 }, time.Second, 5*time.Millisecond)

	resolved := n
	resolved.Target = cfg.Target
	key := dedupKey(resolved)
	require.Eventually(t, func() bool {
		_, ok, err := st.GetDedup(context.Background(), key)
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)

	// A fresh service sharing the store still suppresses it.
	fs2 := &fakeSender{}
	s2, g2 := newService(t, cfg, nil, st)
	g2.Signal(fs2)
	_, err = s2.Notify(context.Background(), n)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, fs2.sent())
}

func TestNotifyRejections(t *testing.T) {
	off := New(Config{}, gate.New[transport.Sender](), logx.Nop(), nil, nil)
	_, err := off.Notify(context.Background(), transport.Notification{Text: "x"})
	require.ErrorIs(t, err, ErrDisabled)

	noTarget, _ := newService(t, Config{Enabled: true}, nil, nil)
	_, err = noTarget.Notify(context.Background(), transport.Notification{Text: "x"})
	require.ErrorIs(t, err, ErrNoTarget)

	stopped := New(Config{Enabled: true, Target: transport.ChatTarget{ChatID: 1}}, gate.New[transport.Sender](), logx.Nop(), nil, nil)
	_, err = stopped.Notify(context.Background(), transport.Notification{Text: "x"})
	require.ErrorIs(t, err, ErrStopped)
}
