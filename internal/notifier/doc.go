// Package notifier is the operator channel: reconciliation reports, startup
// and shutdown notices, and anything else worth telling the notification
// chat.
//
// Notifications are queued and sent by a small worker pool behind a token
// bucket. Failed sends are retried with exponential backoff. Identical
// messages inside the dedup window are suppressed, optionally across
// restarts through the store.
//
// Workers park until the sender gate opens, so notices raised during
// startup are delivered once the chat connection is up.
package notifier
