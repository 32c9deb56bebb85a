package logx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pobot/internal/transport"
)

type recordingSender struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingSender) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return transport.MessageRef{}, nil
}

func (r *recordingSender) SendPhoto(context.Context, transport.ChatTarget, transport.Photo, *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}

func (r *recordingSender) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestFormatChatLine(t *testing.T) {
	got := formatChatLine([]byte(`{"level":"warn","time":"x","message":"disk low","free":"1G","comp":"store"}`))
	assert.Equal(t, "[WARN] disk low\n- comp=store\n- free=1G", got)

	raw := formatChatLine([]byte("  not json \n"))
	assert.Equal(t, "not json", raw)
}

func TestChatSinkForwardsAboveMinLevel(t *testing.T) {
	svc, log := New(Config{
		Level: "debug",
		Chat:  ChatConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	})
	defer svc.Close()

	sender := &recordingSender{}
	svc.AttachSender(sender, transport.ChatTarget{ChatID: 42})

	log.Info("quiet")
	log.Warn("loud", String("comp", "test"))

	require.Eventually(t, func() bool { return len(sender.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Contains(t, sender.snapshot()[0], "[WARN] loud")
	assert.Contains(t, sender.snapshot()[0], "comp=test")
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("nothing")
	l.With(Int("n", 1)).Error("still nothing")
}
