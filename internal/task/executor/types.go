package executor

import (
	"context"
	"time"

	"pobot/internal/storage"
)

// Job is one periodic unit of work. Interval is read on every ledger check,
// so a job may adapt its own cadence between runs.
type Job interface {
	Name() string
	Interval() time.Duration
	// ExecuteOnce runs under a deadline of one Interval and must honor ctx.
	ExecuteOnce(ctx context.Context) error
}

// Ledger persists the last claim of each job.
type Ledger interface {
	// GetLedger returns storage.ErrNotFound when the job never ran.
	GetLedger(ctx context.Context, name string) (storage.LedgerEntry, error)
	// ClaimLedger atomically moves the row from prev (nil: absent) to now.
	ClaimLedger(ctx context.Context, name string, prev *storage.LedgerEntry, now time.Time) (bool, error)
}

type State string

const (
	StateAwaitingGate   State = "awaiting_gate"
	StateCheckingLedger State = "checking_ledger"
	StateSleeping       State = "sleeping"
	StateExecuting      State = "executing"
	StateTerminated     State = "terminated"
)

// RunEvent is published on the event bus for every claim and outcome.
type RunEvent struct {
	Job      string        `json:"job"`
	RunID    string        `json:"run_id,omitempty"`
	Started  time.Time     `json:"started,omitzero"`
	Duration time.Duration `json:"duration,omitempty"`
	Sleep    time.Duration `json:"sleep,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Status is a point-in-time view for diagnostics.
type Status struct {
	Job       string
	State     State
	Runs      uint64
	Failures  uint64
	LastRunID string
	LastStart time.Time
	LastDur   time.Duration
	LastErr   string
	NextCheck time.Time
}
