package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidItem = errors.New("invalid sync item")

// Table is the kind of entity a mutation applies to.
type Table string

const (
	TableProject   Table = "project"
	TableChapter   Table = "chapter"
	TableScene     Table = "scene"
	TableCharacter Table = "character"
	TableNote      Table = "note"
)

var tables = map[Table]struct{}{
	TableProject:   {},
	TableChapter:   {},
	TableScene:     {},
	TableCharacter: {},
	TableNote:      {},
}

func (t Table) Valid() bool {
	_, ok := tables[t]
	return ok
}

type Operation string

const (
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// SyncItem is one pending mutation. Items are never updated in place once
// enqueued; Seq is assigned by the queue and identifies the entry for
// acknowledgment.
type SyncItem struct {
	Seq            int64
	ID             string
	Table          Table
	ProjectID      string
	Operation      Operation
	Payload        []byte
	ClientRevision int64
	CreatedAt      time.Time
	Attempts       int
}

func (i SyncItem) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidItem)
	}
	if !i.Table.Valid() {
		return fmt.Errorf("%w: unknown table %q", ErrInvalidItem, i.Table)
	}
	if i.ProjectID == "" {
		return fmt.Errorf("%w: project id is required", ErrInvalidItem)
	}
	if i.ClientRevision <= 0 {
		return fmt.Errorf("%w: client revision must be positive, got %d", ErrInvalidItem, i.ClientRevision)
	}
	switch i.Operation {
	case OpUpsert:
		if len(i.Payload) == 0 {
			return fmt.Errorf("%w: upsert of %s/%s without payload", ErrInvalidItem, i.Table, i.ID)
		}
	case OpDelete:
		if len(i.Payload) != 0 {
			return fmt.Errorf("%w: delete of %s/%s carries a payload", ErrInvalidItem, i.Table, i.ID)
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidItem, i.Operation)
	}
	return nil
}

// DedupePolicy controls what Enqueue does with repeated mutations of the same
// record.
type DedupePolicy int

const (
	// KeepAll appends every mutation; stale intermediate states are replayed
	// and resolved by revision on the remote side.
	KeepAll DedupePolicy = iota
	// KeepLatest keeps only the highest revision per (table, id).
	KeepLatest
)

func ParseDedupePolicy(s string) (DedupePolicy, error) {
	switch s {
	case "", "all":
		return KeepAll, nil
	case "latest":
		return KeepLatest, nil
	}
	return 0, fmt.Errorf("unknown dedupe policy %q", s)
}

// RecordState is the sync state of a single record.
type RecordState int

const (
	Clean RecordState = iota
	Dirty
	Failed
)

func (s RecordState) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("RecordState(%d)", int(s))
}

// RecordStatus is the tracked sync status of one record.
type RecordStatus struct {
	Table          Table
	ID             string
	Pending        int
	DeadLettered   int
	LastRevision   int64
	SyncedRevision int64
}

func (s RecordStatus) State() RecordState {
	if s.Pending > 0 {
		return Dirty
	}
	if s.DeadLettered > 0 {
		return Failed
	}
	return Clean
}

// DeadLetter is an item parked after too many failed transmissions.
type DeadLetter struct {
	Item     SyncItem
	Reason   string
	FailedAt time.Time
}

// SyncQueue is a durable FIFO log of mutations awaiting transmission.
//
// DequeueBatch does not remove or lock what it returns, so concurrent callers
// may see the same items. Consumers must apply items idempotently.
type SyncQueue interface {
	// Enqueue durably appends an item and returns it with Seq and CreatedAt
	// set. Under KeepLatest an item not newer than a queued one is dropped
	// and the queued entry is returned instead.
	Enqueue(ctx context.Context, item SyncItem) (SyncItem, error)

	// DequeueBatch returns up to limit items in insertion order.
	DequeueBatch(ctx context.Context, limit int) ([]SyncItem, error)

	// Acknowledge removes entries by Seq, each independently. Unknown entries
	// are ignored.
	Acknowledge(ctx context.Context, seqs ...int64) error

	Status(ctx context.Context, table Table, id string) (RecordStatus, error)
	Len(ctx context.Context) (int, error)

	// RecordFailure counts a failed transmission for each entry. Entries that
	// reach maxAttempts are moved to the dead letter store and returned.
	RecordFailure(ctx context.Context, reason string, maxAttempts int, seqs ...int64) ([]DeadLetter, error)
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	// Requeue appends dead-lettered entries back at the tail of the queue.
	Requeue(ctx context.Context, seqs ...int64) ([]SyncItem, error)
}
