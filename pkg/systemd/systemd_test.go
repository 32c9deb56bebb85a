package systemd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pobot/pkg/logx"
)

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	n := New(logx.Nop())
	assert.False(t, n.Ready())
	assert.False(t, n.Stopping())
}

func TestStates(t *testing.T) {
	var got []string
	n := New(logx.Nop())
	n.send = func(_ bool, state string) (bool, error) {
		got = append(got, state)
		if state == "STATUS=broken" {
			return false, errors.New("socket gone")
		}
		return true, nil
	}
	assert.True(t, n.Ready())
	assert.True(t, n.Status("reconciling"))
	assert.False(t, n.Status("broken"))
	assert.True(t, n.Stopping())
	assert.Equal(t, []string{"READY=1", "STATUS=reconciling", "STATUS=broken", "STOPPING=1"}, got)
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, New(logx.Nop()).Watchdog(ctx))
	assert.NoError(t, ctx.Err(), "returned without waiting for ctx")
}
