package replicate

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/inkwell/draft-sync/conflict"
	"github.com/inkwell/draft-sync/queue"
)

// LocalStore is the application's local copy of the records.
type LocalStore interface {
	// Get returns the local version of a record, found is false when the
	// record does not exist locally.
	Get(ctx context.Context, table queue.Table, id string) (record conflict.Record, found bool, err error)
	// Apply overwrites the local record with the remote one, deleting it
	// when the remote record is a tombstone.
	Apply(ctx context.Context, record RemoteRecord) error
}

// CursorStore persists the last server revision pulled per project.
type CursorStore interface {
	PullCursor(ctx context.Context, projectID string) (int64, error)
	SetPullCursor(ctx context.Context, projectID string, revision int64) error
}

type PullResult struct {
	Received int
	Applied  int
	Kept     int
	// Diverged holds remote records that conflict with a local edit at the
	// same revision and need an explicit merge.
	Diverged []RemoteRecord
	Cursor   int64
}

type Puller struct {
	transport Transport
	local     LocalStore
	cursors   CursorStore
	detector  conflict.Detector
	logger    *log.Logger
	metrics   *Metrics
}

func NewPuller(transport Transport, local LocalStore, cursors CursorStore, detector conflict.Detector, logger *log.Logger, metrics *Metrics) *Puller {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Puller{
		transport: transport,
		local:     local,
		cursors:   cursors,
		detector:  detector,
		logger:    logger,
		metrics:   metrics,
	}
}

// Pull fetches the project's changes after the stored cursor and applies the
// ones that win against the local copy. The cursor advances past every
// record handled, stopping at the first one that could not be applied.
func (p *Puller) Pull(ctx context.Context, projectID string) (PullResult, error) {
	cursor, err := p.cursors.PullCursor(ctx, projectID)
	if err != nil {
		return PullResult{}, fmt.Errorf("failed to read pull cursor: %w", err)
	}

	changes, err := p.transport.Pull(ctx, projectID, cursor)
	if err != nil {
		return PullResult{Cursor: cursor}, fmt.Errorf("failed to pull changes: %w", err)
	}

	res := PullResult{Received: len(changes), Cursor: cursor}
	var applyErr error
	for _, remote := range changes {
		outcome := conflict.TakeRemote
		local, found, err := p.local.Get(ctx, remote.Table, remote.ID)
		if err != nil {
			applyErr = fmt.Errorf("failed to read local %v %v: %w", remote.Table, remote.ID, err)
			break
		}
		if found {
			outcome = p.detector.Resolve(local, remote.Conflict())
		}
		p.metrics.observePulled(outcome.String())

		switch outcome {
		case conflict.TakeRemote:
			if err := p.local.Apply(ctx, remote); err != nil {
				applyErr = fmt.Errorf("failed to apply %v %v: %w", remote.Table, remote.ID, err)
			} else {
				res.Applied++
			}
		case conflict.Diverged:
			p.logger.Printf("%v %v diverged at revision %v", remote.Table, remote.ID, remote.ClientRevision)
			res.Diverged = append(res.Diverged, remote)
		default:
			res.Kept++
		}
		if applyErr != nil {
			break
		}
		if remote.Revision > res.Cursor {
			res.Cursor = remote.Revision
		}
	}

	if res.Cursor > cursor {
		if err := p.cursors.SetPullCursor(ctx, projectID, res.Cursor); err != nil {
			return res, fmt.Errorf("failed to store pull cursor: %w", err)
		}
	}
	return res, applyErr
}
