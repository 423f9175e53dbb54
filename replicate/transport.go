// Package replicate moves queued mutations to the sync server and brings
// remote changes back into the local store.
package replicate

import (
	"context"
	"time"

	"github.com/inkwell/draft-sync/conflict"
	"github.com/inkwell/draft-sync/queue"
)

// RemoteRecord is the server's copy of a record.
type RemoteRecord struct {
	ProjectID      string
	Table          queue.Table
	ID             string
	Payload        []byte
	Deleted        bool
	ClientRevision int64
	// Revision is the server revision, used as the pull cursor.
	Revision  int64
	UpdatedAt time.Time
}

func (r RemoteRecord) Conflict() conflict.Record {
	return conflict.Record{
		ClientRevision: r.ClientRevision,
		UpdatedAt:      r.UpdatedAt,
		Payload:        r.Payload,
	}
}

// Transport sends batches to the remote store and lists its changes.
// Push must be all-or-nothing for the given items: a nil error means the
// server durably holds every one of them.
type Transport interface {
	Push(ctx context.Context, projectID string, items []queue.SyncItem) error
	Pull(ctx context.Context, projectID string, sinceRevision int64) ([]RemoteRecord, error)
}
