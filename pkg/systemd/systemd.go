// Package systemd reports service state to the init system over the
// sd_notify socket. Outside a systemd unit every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "pobot/pkg/logx"
)

type Notifier struct {
	log logx.Logger
	// send is daemon.SdNotify; tests replace it.
	send func(unsetEnv bool, state string) (bool, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log.With(logx.String("comp", "systemd")), send: daemon.SdNotify}
}

func (n *Notifier) Ready() bool    { return n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() bool { return n.notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(text string) bool { return n.notify("STATUS=" + text) }

func (n *Notifier) notify(state string) bool {
	sent, err := n.send(false, state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
	return sent
}

// Watchdog pings at half the unit's WatchdogSec until ctx ends. It returns
// at once when the unit has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	n.log.Info("watchdog enabled", logx.Duration("every", every))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
