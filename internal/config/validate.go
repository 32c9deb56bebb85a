package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks a parsed config before it is committed. It reports every
// problem at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	dur("telegram.poll_timeout", c.Telegram.PollTimeout)

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	default:
		add(fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	switch strings.ToLower(strings.TrimSpace(c.Inventory.Kind)) {
	case "s3":
		if c.Inventory.S3 == nil {
			add(errors.New("inventory.s3 is required when kind is s3"))
		} else {
			dur("inventory.s3.url_ttl", c.Inventory.S3.URLTTL)
			if c.Inventory.S3.PageRetries < 0 {
				add(errors.New("inventory.s3.page_retries must be >= 0"))
			}
		}
	case "local":
		if c.Inventory.Local == nil || strings.TrimSpace(c.Inventory.Local.Root) == "" {
			add(errors.New("inventory.local.root is required when kind is local"))
		}
	case "":
		add(errors.New("inventory.kind is required (s3 or local)"))
	default:
		add(fmt.Errorf("inventory.kind: unsupported %q", c.Inventory.Kind))
	}
	if c.Inventory.ThrottlePerSec < 0 {
		add(errors.New("inventory.throttle_per_sec must be >= 0"))
	}

	r := c.Jobs.Reconcile
	iv, err := ParseInterval("jobs.reconcile.interval", r.Interval)
	add(err)
	miv, err := ParseInterval("jobs.reconcile.min_interval", r.MinInterval)
	add(err)
	if iv > 0 && miv > iv {
		add(errors.New("jobs.reconcile.min_interval must not exceed interval"))
	}
	if r.BatchSize < 0 {
		add(errors.New("jobs.reconcile.batch_size must be >= 0"))
	}
	dur("jobs.reconcile.min_sleep", r.MinSleep)

	d := c.Jobs.Dispatch
	dur("jobs.dispatch.min_sleep", d.MinSleep)
	dur("jobs.dispatch.max_sleep", d.MaxSleep)
	dur("jobs.dispatch.deliver_timeout", d.DeliverTimeout)
	dur("jobs.dispatch.min_delay", d.MinDelay)
	dur("jobs.dispatch.max_delay", d.MaxDelay)

	cl := c.Jobs.Cleanup
	_, err = ParseInterval("jobs.cleanup.interval", cl.Interval)
	add(err)
	dur("jobs.cleanup.max_age", cl.MaxAge)
	if cl.BatchSize < 0 {
		add(errors.New("jobs.cleanup.batch_size must be >= 0"))
	}

	if n := c.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when the file sink is enabled"))
	}
	if c.Logging.Telegram.Enabled && c.Telegram.NotifyChat == 0 {
		add(errors.New("logging.telegram needs telegram.notify_chat"))
	}
	return errors.Join(errs...)
}
