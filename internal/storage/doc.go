// Package storage is pobot's relational store.
//
// A single SQLite database holds:
//   - the job ledger (one row per periodic job)
//   - the scheduled-item queue consumed by the dispatcher
//   - the inventory mirror maintained by the reconciler
//   - notifier dedup windows (to survive restarts)
//
// Times are stored as unix milliseconds. Every method is one short
// statement or transaction; callers never hold locks across calls.
package storage
