package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"

	"pobot/internal/config"
	"pobot/internal/inventory"
	"pobot/internal/notifier"
	"pobot/internal/storage"
	"pobot/internal/task/cleanup"
	"pobot/internal/task/dispatch"
	"pobot/internal/task/executor"
	"pobot/internal/task/reconcile"
	"pobot/internal/transport"
	logx "pobot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "./pobot.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: strings.ToLower(strings.TrimSpace(sc.Driver)), Path: path, BusyTimeout: busy}, nil
}

// OpenStore opens the configured store. Callers run Migrate before use.
func OpenStore(cfg *config.Config, log logx.Logger) (*storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

// OpenSource builds the configured inventory source.
func OpenSource(ctx context.Context, cfg *config.Config) (inventory.Source, error) {
	ic := cfg.Inventory
	switch strings.ToLower(strings.TrimSpace(ic.Kind)) {
	case "s3":
		if ic.S3 == nil {
			return nil, errors.New("inventory.s3 is required")
		}
		ttl, err := config.ParseDurationField("inventory.s3.url_ttl", ic.S3.URLTTL)
		if err != nil {
			return nil, err
		}
		return inventory.NewS3(ctx, inventory.S3Config{
			AccountName:     ic.S3.AccountName,
			Region:          ic.S3.Region,
			Endpoint:        ic.S3.Endpoint,
			AccessKeyID:     ic.S3.AccessKeyID,
			SecretAccessKey: ic.S3.SecretAccessKey,
			UsePathStyle:    ic.S3.UsePathStyle,
			Buckets:         ic.S3.Buckets,
			URLTTL:          ttl,
			PageRetries:     uint(max(0, ic.S3.PageRetries)),
		})
	case "local":
		if ic.Local == nil {
			return nil, errors.New("inventory.local is required")
		}
		return inventory.NewLocal(afero.NewOsFs(), inventory.LocalConfig{
			AccountName: ic.Local.AccountName,
			Root:        ic.Local.Root,
			BaseURL:     ic.Local.BaseURL,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported inventory.kind %q", ic.Kind)
	}
}

// ReconcileConfig maps jobs.reconcile and the inventory throttle.
func ReconcileConfig(cfg *config.Config) (reconcile.Config, error) {
	r := cfg.Jobs.Reconcile
	iv, err := config.ParseInterval("jobs.reconcile.interval", r.Interval)
	if err != nil {
		return reconcile.Config{}, err
	}
	miv, err := config.ParseInterval("jobs.reconcile.min_interval", r.MinInterval)
	if err != nil {
		return reconcile.Config{}, err
	}
	return reconcile.Config{
		BatchSize:      r.BatchSize,
		Interval:       iv,
		MinInterval:    miv,
		ThrottlePerSec: cfg.Inventory.ThrottlePerSec,
	}, nil
}

// CleanupConfig maps jobs.cleanup.
func CleanupConfig(cfg *config.Config) (cleanup.Config, error) {
	c := cfg.Jobs.Cleanup
	iv, err := config.ParseInterval("jobs.cleanup.interval", c.Interval)
	if err != nil {
		return cleanup.Config{}, err
	}
	age, err := config.ParseDurationOrDefault("jobs.cleanup.max_age", c.MaxAge, cleanup.DefaultMaxAge)
	if err != nil {
		return cleanup.Config{}, err
	}
	return cleanup.Config{Interval: iv, MaxAge: age, BatchSize: c.BatchSize, Chats: c.Chats}, nil
}

func executorMinSleep(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("jobs.reconcile.min_sleep", cfg.Jobs.Reconcile.MinSleep, executor.DefaultMinSleep)
}

type dispatchSettings struct {
	MinSleep, MaxSleep time.Duration
	DeliverTimeout     time.Duration
	MinDelay, MaxDelay time.Duration
}

func mapDispatchConfig(cfg *config.Config) (dispatchSettings, error) {
	d := cfg.Jobs.Dispatch
	var out dispatchSettings
	var errs []error
	parse := func(path, raw string, def time.Duration) time.Duration {
		v, err := config.ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	out.MinSleep = parse("jobs.dispatch.min_sleep", d.MinSleep, dispatch.DefaultMinSleep)
	out.MaxSleep = parse("jobs.dispatch.max_sleep", d.MaxSleep, dispatch.DefaultMaxSleep)
	out.DeliverTimeout = parse("jobs.dispatch.deliver_timeout", d.DeliverTimeout, dispatch.DefaultDeliverTimeout)
	out.MinDelay = parse("jobs.dispatch.min_delay", d.MinDelay, DefaultMinDelay)
	out.MaxDelay = parse("jobs.dispatch.max_delay", d.MaxDelay, DefaultMaxDelay)
	if err := errors.Join(errs...); err != nil {
		return dispatchSettings{}, err
	}
	if out.MinSleep > out.MaxSleep {
		return dispatchSettings{}, errors.New("jobs.dispatch.min_sleep must not exceed max_sleep")
	}
	if out.MinDelay > out.MaxDelay {
		return dispatchSettings{}, errors.New("jobs.dispatch.min_delay must not exceed max_delay")
	}
	return out, nil
}

func notifyTarget(cfg *config.Config) transport.ChatTarget {
	return transport.ChatTarget{ChatID: cfg.Telegram.NotifyChat, ThreadID: cfg.Telegram.NotifyThread}
}

// mapNotifierConfig maps the notifier section. An omitted section enables
// the notifier with defaults whenever a notify chat is set.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{Target: notifyTarget(cfg), DedupWindow: time.Minute}
	n := cfg.Notifier
	if n == nil {
		out.Enabled = cfg.Telegram.NotifyChat != 0
		return out, nil
	}
	var err error
	out.Enabled = n.Enabled
	out.Workers = n.Workers
	out.QueueSize = n.QueueSize
	out.RatePerSec = n.RatePerSec
	out.RetryMax = n.RetryMax
	out.DedupMaxEntries = n.DedupMaxEntries
	out.PersistDedup = n.PersistDedup
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, time.Minute); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// validateReload rejects configs the running app could not apply.
func validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := ReconcileConfig(cfg); err != nil {
		return err
	}
	if _, err := executorMinSleep(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := CleanupConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	_, err := mapStorageConfig(cfg)
	return err
}
