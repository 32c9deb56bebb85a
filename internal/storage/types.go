package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path (":memory:" for a private in-memory db)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// LedgerEntry records the last claim of a periodic job.
type LedgerEntry struct {
	Name           string
	LastExecutedAt time.Time
	ExecutionCount int64
}

type ItemKind string

const (
	KindImage   ItemKind = "image"
	KindMessage ItemKind = "message"
)

type Target struct {
	ChatID   int64
	ThreadID int
}

// ScheduledItem is one pending delivery. Image items carry a container and a
// category prefix; message items carry Text.
type ScheduledItem struct {
	ID          int64
	Target      Target
	Kind        ItemKind
	Container   string
	Category    string
	Text        string
	Username    string
	CreatedAt   time.Time
	ScheduledAt time.Time
}

// SentMessage is a bot message kept so it can be deleted once it ages out.
type SentMessage struct {
	ID        int64
	ChatID    int64
	ThreadID  int
	MessageID int
	SentAt    time.Time
}

// InventoryKey is the composite identity of an inventory item.
type InventoryKey struct {
	AccountName   string
	ContainerName string
	Name          string
}

// InventoryRecord mirrors one item of the external inventory.
// Seen is owned by the delivery path and is never written by upserts.
type InventoryRecord struct {
	InventoryKey
	Category      string
	Seen          bool
	CreatedOn     time.Time
	LastModified  time.Time
	LastSeenAt    time.Time
	ContentLength int64
	ContentHash   string
}

// StaleQuery selects inventory records not seen since Before.
// Empty AccountName or ContainerName match everything.
type StaleQuery struct {
	AccountName   string
	ContainerName string
	Before        time.Time
	Limit         int
}

// PickQuery selects a random unseen record whose category starts with CategoryPrefix.
type PickQuery struct {
	AccountName    string
	ContainerName  string
	CategoryPrefix string
}

// Pick is a chosen record plus the counts used to describe its odds:
// CategoryUnseen out of MatchingUnseen.
type Pick struct {
	Record         InventoryRecord
	CategoryUnseen int64
	MatchingUnseen int64
}

// Chance is the probability that a pick with the same prefix lands in Record's category.
func (p Pick) Chance() float64 {
	if p.MatchingUnseen == 0 {
		return 0
	}
	return float64(p.CategoryUnseen) / float64(p.MatchingUnseen)
}

// CategoryStat is a per-category inventory summary.
type CategoryStat struct {
	ContainerName string
	Category      string
	Total         int64
	Unseen        int64
}
