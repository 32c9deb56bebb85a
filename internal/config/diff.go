package config

import (
	"reflect"
	"strings"

	logx "pobot/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections and returns
// log fields describing the new values. Secrets (bot token, S3 keys) are
// only ever reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		ot.NotifyChat != nt.NotifyChat || ot.NotifyThread != nt.NotifyThread {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.notify_chat_set", nt.NotifyChat != 0),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if !reflect.DeepEqual(oldCfg.Inventory, newCfg.Inventory) {
		changed = append(changed, "inventory")
		attrs = append(attrs,
			logx.String("inventory.kind", newCfg.Inventory.Kind),
			logx.String("inventory.default_container", newCfg.Inventory.DefaultContainer),
			logx.Any("inventory.throttle_per_sec", newCfg.Inventory.ThrottlePerSec),
		)
	}

	if oldCfg.Jobs.Reconcile != newCfg.Jobs.Reconcile {
		changed = append(changed, "jobs.reconcile")
		r := newCfg.Jobs.Reconcile
		attrs = append(attrs,
			logx.Bool("jobs.reconcile.disabled", r.Disabled),
			logx.String("jobs.reconcile.interval", r.Interval),
			logx.String("jobs.reconcile.min_interval", r.MinInterval),
			logx.Int("jobs.reconcile.batch_size", r.BatchSize),
		)
	}
	if oldCfg.Jobs.Dispatch != newCfg.Jobs.Dispatch {
		changed = append(changed, "jobs.dispatch")
		d := newCfg.Jobs.Dispatch
		attrs = append(attrs,
			logx.String("jobs.dispatch.min_sleep", d.MinSleep),
			logx.String("jobs.dispatch.max_sleep", d.MaxSleep),
		)
	}

	if !reflect.DeepEqual(oldCfg.Jobs.Cleanup, newCfg.Jobs.Cleanup) {
		changed = append(changed, "jobs.cleanup")
		c := newCfg.Jobs.Cleanup
		attrs = append(attrs,
			logx.Bool("jobs.cleanup.disabled", c.Disabled),
			logx.Int("jobs.cleanup.chats", len(c.Chats)),
			logx.String("jobs.cleanup.max_age", c.MaxAge),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
			)
		}
	}
	return changed, attrs
}

// RequiresRestart reports sections that cannot be applied to a running process.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage", "inventory":
			out = append(out, s)
		}
	}
	return out
}
