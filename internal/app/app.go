package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"pobot/internal/config"
	"pobot/internal/eventbus"
	"pobot/internal/inventory"
	"pobot/internal/notifier"
	"pobot/internal/runtime/gate"
	rtsup "pobot/internal/runtime/supervisor"
	"pobot/internal/storage"
	"pobot/internal/task/cleanup"
	"pobot/internal/task/dispatch"
	"pobot/internal/task/executor"
	"pobot/internal/task/reconcile"
	"pobot/internal/transport"
	"pobot/internal/transport/telegram"
	logx "pobot/pkg/logx"
	"pobot/pkg/systemd"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

// App wires the store, the inventory source, the periodic reconciler, the
// scheduled-item dispatcher and the chat adapter.
//
// Two gates order startup: schema opens once migrations ran (no loop reads
// the store before that), sender opens once the adapter is started (no
// delivery or report goes out before that).
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	source  inventory.Source
	adapter *telegram.Adapter
	sd      *systemd.Notifier

	schema *gate.Signal
	sender *gate.Gate[transport.Sender]

	reconciler *reconcile.Reconciler
	executor   *executor.Executor
	cleaner    *cleanup.Cleaner
	cleanupEx  *executor.Executor
	dispatcher *dispatch.Dispatcher
	notif      *notifier.Service
	router     *Router

	updates chan transport.Update
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	if err := cfgm.LoadEnv(); err != nil {
		return nil, err
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout},
		log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}
	src, err := OpenSource(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		source:  src,
		adapter: ad,
		sd:      systemd.New(log),
		schema:  gate.NewSignal(),
		sender:  gate.New[transport.Sender](),
		updates: make(chan transport.Update, 256),
	}
	if err := a.build(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, a.sender, a.log.With(logx.String("comp", "notifier")), a.bus, a.store)

	rcfg, err := ReconcileConfig(cfg)
	if err != nil {
		return err
	}
	a.reconciler = reconcile.New(a.source, a.store, rcfg,
		reconcile.WithLogger(a.log),
		reconcile.WithReporter(reconcile.ReporterFunc(a.report)),
	)

	minSleep, err := executorMinSleep(cfg)
	if err != nil {
		return err
	}
	a.executor = executor.New(a.reconciler, a.store, a.schema,
		executor.WithLogger(a.log),
		executor.WithBus(a.bus),
		executor.WithMinSleep(minSleep),
	)

	ccfg, err := CleanupConfig(cfg)
	if err != nil {
		return err
	}
	a.cleaner = cleanup.New(a.store, a.sender, ccfg, cleanup.WithLogger(a.log))
	a.cleanupEx = executor.New(a.cleaner, a.store, a.schema,
		executor.WithLogger(a.log),
		executor.WithBus(a.bus),
		executor.WithMinSleep(minSleep),
	)

	ds, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	deliverer := NewDeliverer(a.store, a.source, a.sender, a.log)
	deliverer.KeepSent(a.store, a.cleaner.Tracks)
	a.dispatcher = dispatch.New(a.store, deliverer, a.schema,
		dispatch.WithLogger(a.log),
		dispatch.WithBus(a.bus),
		dispatch.WithSleepBounds(ds.MinSleep, ds.MaxSleep),
		dispatch.WithDeliverTimeout(ds.DeliverTimeout),
	)

	cmds := &commands{
		store:      a.store,
		source:     a.source,
		dispatcher: a.dispatcher,
		reconciler: a.reconciler,
		executors:  []*executor.Executor{a.executor, a.cleanupEx},
		supervisors: func() map[string]*rtsup.Supervisor {
			return map[string]*rtsup.Supervisor{
				"app":      a.sup,
				"notifier": a.notif.Supervisor(),
				"telegram": a.adapter.Supervisor(),
			}
		},
		settings: a.commandSettings,
		now:      time.Now,
	}
	a.router = NewRouter(a.log.With(logx.String("comp", "commands")), a.adapter, cfg.Telegram.OwnerUserIDs)
	// commands read and write the store
	a.router.WaitFor(a.schema)
	a.router.Register(cmds.list()...)
	return nil
}

func (a *App) commandSettings() commandSettings {
	cfg := a.cfgm.Get()
	s := commandSettings{Container: cfg.Inventory.DefaultContainer}
	// validated on load, so errors cannot occur here
	if ds, err := mapDispatchConfig(cfg); err == nil {
		s.MinDelay, s.MaxDelay = ds.MinDelay, ds.MaxDelay
	}
	return s
}

// report sends a reconciliation table to the notify chat.
func (a *App) report(ctx context.Context, text string) error {
	a.bus.Publish(eventbus.Event{Type: eventbus.ReconcileReport, Data: len(text)})
	err := a.notif.Report(ctx, text)
	if errors.Is(err, notifier.ErrDisabled) || errors.Is(err, notifier.ErrNoTarget) {
		a.log.Info("reconcile report not sent (notifier off)", logx.String("report", text))
		return nil
	}
	return err
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateReload)

	a.sup.Go("storage.migrate", func(c context.Context) error {
		if err := a.store.Migrate(c); err != nil {
			return err
		}
		a.schema.Signal(struct{}{})
		a.log.Info("schema ready")
		a.sd.Ready()
		a.sd.Status("running")
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sender.Signal(a.adapter)
	cfg := a.cfgm.Get()
	a.logs.AttachSender(a.adapter, notifyTarget(cfg))

	a.notif.Start(a.sup.Context())

	if cfg.Jobs.Reconcile.Disabled {
		a.log.Info("reconcile job disabled")
	} else {
		a.sup.Go("job.reconcile", a.executor.Run)
	}
	if cfg.Jobs.Cleanup.Disabled {
		a.log.Info("cleanup job disabled")
	} else {
		a.sup.Go("job.cleanup", a.cleanupEx.Run)
	}
	a.sup.Go("job.dispatch", a.dispatcher.Run)
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe("", 128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// keep only the latest of a burst
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("startup.notice", func(c context.Context) {
		if _, err := a.notif.Notify(c, transport.Notification{Priority: 5, Text: "pobot started"}); err != nil {
			a.log.Debug("startup notice not sent", logx.Err(err))
		}
	})

	a.log.Info("app started", logx.String("source", a.source.Name()))
	return nil
}

// applyConfig applies a validated reload to the running components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.AttachSender(a.adapter, notifyTarget(newCfg))
	a.logs.Apply(mapLogConfig(newCfg))
	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if oldCfg.Jobs.Reconcile != newCfg.Jobs.Reconcile || oldCfg.Inventory.ThrottlePerSec != newCfg.Inventory.ThrottlePerSec {
		if rc, err := ReconcileConfig(newCfg); err == nil {
			a.reconciler.Apply(rc)
			a.executor.Wake()
		}
		if oldCfg.Jobs.Reconcile.Disabled != newCfg.Jobs.Reconcile.Disabled || oldCfg.Jobs.Reconcile.MinSleep != newCfg.Jobs.Reconcile.MinSleep {
			a.log.Warn("jobs.reconcile.disabled and min_sleep apply on restart")
		}
	}
	if !reflect.DeepEqual(oldCfg.Jobs.Cleanup, newCfg.Jobs.Cleanup) {
		if cc, err := CleanupConfig(newCfg); err == nil {
			a.cleaner.Apply(cc)
			a.cleanupEx.Wake()
		}
		if oldCfg.Jobs.Cleanup.Disabled != newCfg.Jobs.Cleanup.Disabled {
			a.log.Warn("jobs.cleanup.disabled applies on restart")
		}
	}
	if ds, err := mapDispatchConfig(newCfg); err == nil {
		a.dispatcher.SetSleepBounds(ds.MinSleep, ds.MaxSleep)
		a.dispatcher.Wake()
	}

	if ncfg, err := mapNotifierConfig(newCfg); err == nil {
		was := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case was && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !was && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	if to := notifyTarget(a.cfgm.Get()); !to.IsZero() {
		a.step(ctx, "notice", 2*time.Second, func(c context.Context) error {
			_, err := a.adapter.SendText(c, to, fmt.Sprintf("pobot stopping (%s)", reason), nil)
			return err
		})
	}

	a.sup.Cancel()

	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// job loops must be gone before the store closes
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max so one component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
