package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidMutation = errors.New("invalid mutation")

const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Tables are the record kinds a project can hold.
var Tables = map[string]struct{}{
	"project":   {},
	"chapter":   {},
	"scene":     {},
	"character": {},
	"note":      {},
}

// Mutation is one client change inside a pushed batch.
type Mutation struct {
	Table          string
	Id             string
	Operation      string
	Payload        []byte
	ClientRevision int64
	// UpdatedAt is when the device made the change. Zero means unknown and
	// the time of the apply is stored instead.
	UpdatedAt time.Time
}

// WrittenAt is the timestamp stored with the applied record.
func (m Mutation) WrittenAt(now time.Time) time.Time {
	if m.UpdatedAt.IsZero() {
		return now
	}
	return m.UpdatedAt
}

func (m Mutation) Validate() error {
	if m.Table == "" || m.Id == "" {
		return fmt.Errorf("%w: table and id are required", ErrInvalidMutation)
	}
	if _, ok := Tables[m.Table]; !ok {
		return fmt.Errorf("%w: unknown table %q", ErrInvalidMutation, m.Table)
	}
	if m.ClientRevision <= 0 {
		return fmt.Errorf("%w: client revision must be positive", ErrInvalidMutation)
	}
	if m.Operation != OpUpsert && m.Operation != OpDelete {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidMutation, m.Operation)
	}
	return nil
}

type ApplyStatus int

const (
	// Applied means the mutation changed the stored record.
	Applied ApplyStatus = iota
	// Duplicate means the same revision was already stored.
	Duplicate
	// Stale means a newer revision was already stored.
	Stale
)

type ApplyResult struct {
	Table          string
	Id             string
	ClientRevision int64
	Status         ApplyStatus
	// Revision is the server revision of the stored record after the apply.
	Revision int64
}

type StoredRecord struct {
	ProjectId      string
	Table          string
	Id             string
	Payload        []byte
	Deleted        bool
	ClientRevision int64
	Revision       int64
	UpdatedAt      time.Time
}

// SyncStorage holds the authoritative copy of every user's records.
// ApplyBatch must be idempotent: delivering the same batch twice leaves the
// stored records unchanged.
type SyncStorage interface {
	ApplyBatch(ctx context.Context, userID, projectID string, mutations []Mutation) ([]ApplyResult, error)
	ListChanges(ctx context.Context, userID, projectID string, sinceRevision int64) ([]StoredRecord, error)
}

// Decide compares an incoming client revision with the stored one.
func Decide(found bool, stored, incoming int64) ApplyStatus {
	switch {
	case !found || incoming > stored:
		return Applied
	case incoming == stored:
		return Duplicate
	default:
		return Stale
	}
}
