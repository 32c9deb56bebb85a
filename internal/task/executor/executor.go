// Package executor drives one periodic job through a persisted ledger.
//
// The loop parks until the readiness gate opens, then repeatedly checks the
// ledger: a due job is claimed (lastExecutedAt = now, count+1) before its
// body runs under a deadline of one interval; a job that is not due sleeps
// on an interruptible timer. Claims are conditional updates, so two
// processes sharing a store never both run the same cycle.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pobot/internal/eventbus"
	"pobot/internal/runtime/gate"
	"pobot/internal/runtime/timer"
	"pobot/internal/storage"
	logx "pobot/pkg/logx"
)

const DefaultMinSleep = 5 * time.Minute

type Action int

const (
	ActionExecute Action = iota
	ActionSleep
)

type Decision struct {
	Action Action
	Sleep  time.Duration
}

// Decide is the ledger check. A nil entry means the job never ran.
// A job that is not due sleeps max(minSleep, time until due).
func Decide(entry *storage.LedgerEntry, interval time.Duration, now time.Time, minSleep time.Duration) Decision {
	if entry == nil {
		return Decision{Action: ActionExecute}
	}
	due := entry.LastExecutedAt.Add(interval)
	if !now.Before(due) {
		return Decision{Action: ActionExecute}
	}
	return Decision{Action: ActionSleep, Sleep: max(minSleep, due.Sub(now))}
}

type Executor struct {
	job    Job
	ledger Ledger
	ready  *gate.Signal
	timer  *timer.Timer
	wakes  atomic.Uint64

	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
	minSleep time.Duration
	retry    time.Duration

	mu     sync.Mutex
	status Status
}

type Option func(*Executor)

func WithLogger(log logx.Logger) Option { return func(e *Executor) { e.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(e *Executor) { e.bus = bus } }

// WithClock replaces time.Now for ledger decisions.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// WithMinSleep sets the floor applied to not-yet-due sleeps. Default 5m.
func WithMinSleep(d time.Duration) Option { return func(e *Executor) { e.minSleep = d } }

// WithStoreRetry sets the pause after a failed ledger access. Default is the min sleep.
func WithStoreRetry(d time.Duration) Option { return func(e *Executor) { e.retry = d } }

func New(job Job, ledger Ledger, ready *gate.Signal, opts ...Option) *Executor {
	e := &Executor{
		job:      job,
		ledger:   ledger,
		ready:    ready,
		timer:    timer.New(),
		now:      time.Now,
		minSleep: DefaultMinSleep,
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.With(logx.String("comp", "executor"), logx.String("job", job.Name()))
	if e.retry <= 0 {
		e.retry = e.minSleep
	}
	e.status = Status{Job: job.Name(), State: StateAwaitingGate}
	return e
}

func (e *Executor) Name() string { return e.job.Name() }

// Interval is the job's current cadence.
func (e *Executor) Interval() time.Duration { return e.job.Interval() }

// Wake cuts the current sleep short so the ledger is checked again.
func (e *Executor) Wake() bool {
	e.wakes.Add(1)
	return e.timer.Wake()
}

func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	e.status.State = s
	e.mu.Unlock()
}

// Run blocks until ctx ends. Cancellation is a clean stop and returns nil.
func (e *Executor) Run(ctx context.Context) error {
	defer e.setState(StateTerminated)

	e.setState(StateAwaitingGate)
	if _, err := e.ready.Wait(ctx); err != nil {
		return nil
	}
	e.log.Debug("gate open, entering loop")

	for ctx.Err() == nil {
		seen := e.wakes.Load()
		e.setState(StateCheckingLedger)
		sleep, err := e.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.log.Warn("ledger check failed", logx.Err(err), logx.Duration("retry_in", e.retry))
			sleep = e.retry
		}
		if sleep <= 0 {
			continue
		}
		e.mu.Lock()
		e.status.State = StateSleeping
		e.status.NextCheck = e.now().Add(sleep)
		e.mu.Unlock()
		stale := func() bool { return e.wakes.Load() != seen }
		if _, err := e.timer.SleepUnless(ctx, sleep, stale); err != nil {
			return nil
		}
	}
	return nil
}

// Step performs one ledger check and, when due, one claimed execution.
// It returns how long to sleep before the next check (0: check again now).
func (e *Executor) Step(ctx context.Context) (time.Duration, error) {
	name := e.job.Name()
	interval := e.job.Interval()
	now := e.now()

	var prev *storage.LedgerEntry
	entry, err := e.ledger.GetLedger(ctx, name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("read ledger: %w", err)
	default:
		prev = &entry
	}

	d := Decide(prev, interval, now, e.minSleep)
	if d.Action == ActionSleep {
		e.publish(eventbus.JobSkipped, RunEvent{Job: name, Sleep: d.Sleep})
		e.log.Debug("not due", logx.Duration("sleep", d.Sleep))
		return d.Sleep, nil
	}

	ok, err := e.ledger.ClaimLedger(ctx, name, prev, now)
	if err != nil {
		return 0, fmt.Errorf("claim ledger: %w", err)
	}
	if !ok {
		e.log.Info("claim lost to another runner")
		return 0, nil
	}

	e.setState(StateExecuting)
	e.execute(ctx, interval)
	return 0, nil
}

func (e *Executor) execute(ctx context.Context, interval time.Duration) {
	name := e.job.Name()
	runID := uuid.NewString()
	start := time.Now()
	e.publish(eventbus.JobClaimed, RunEvent{Job: name, RunID: runID, Started: start})
	e.log.Info("job started", logx.String("run_id", runID), logx.Duration("deadline", interval))

	runCtx, cancel := context.WithTimeout(ctx, interval)
	err := runGuarded(runCtx, e.job)
	cancel()
	dur := time.Since(start)

	e.mu.Lock()
	e.status.Runs++
	e.status.LastRunID = runID
	e.status.LastStart = start
	e.status.LastDur = dur
	e.status.LastErr = ""
	if err != nil {
		e.status.Failures++
		e.status.LastErr = err.Error()
	}
	e.mu.Unlock()

	ev := RunEvent{Job: name, RunID: runID, Started: start, Duration: dur}
	if err != nil {
		ev.Error = err.Error()
		e.log.Error("job failed", logx.String("run_id", runID), logx.Duration("dur", dur), logx.Err(err))
		e.publish(eventbus.JobFailed, ev)
		return
	}
	e.log.Info("job finished", logx.String("run_id", runID), logx.Duration("dur", dur))
	e.publish(eventbus.JobSucceeded, ev)
}

func runGuarded(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return job.ExecuteOnce(ctx)
}

func (e *Executor) publish(typ string, ev RunEvent) {
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}
