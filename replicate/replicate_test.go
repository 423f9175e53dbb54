package replicate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/inkwell/draft-sync/queue"
	"github.com/inkwell/draft-sync/queue/sqlite"
	"github.com/stretchr/testify/require"
)

type pushCall struct {
	projectID string
	items     []queue.SyncItem
}

type fakeTransport struct {
	sync.Mutex
	pushes  []pushCall
	pushErr error
	onPush  func(ctx context.Context, items []queue.SyncItem) error
	changes map[string][]RemoteRecord
}

func (f *fakeTransport) Push(ctx context.Context, projectID string, items []queue.SyncItem) error {
	f.Lock()
	f.pushes = append(f.pushes, pushCall{projectID: projectID, items: items})
	err, hook := f.pushErr, f.onPush
	f.Unlock()
	if hook != nil {
		if err := hook(ctx, items); err != nil {
			return err
		}
	}
	return err
}

func (f *fakeTransport) Pull(ctx context.Context, projectID string, sinceRevision int64) ([]RemoteRecord, error) {
	f.Lock()
	defer f.Unlock()
	var out []RemoteRecord
	for _, r := range f.changes[projectID] {
		if r.Revision > sinceRevision {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeTransport) pushCount() int {
	f.Lock()
	defer f.Unlock()
	return len(f.pushes)
}

func newQueue(t *testing.T) *sqlite.SQLiteSyncQueue {
	t.Helper()
	q, err := sqlite.NewSQLiteSyncQueue(filepath.Join(t.TempDir(), "queue.db"), sqlite.Options{})
	require.NoError(t, err, "failed to open queue")
	t.Cleanup(func() { q.Close() })
	return q
}

func enqueue(t *testing.T, q queue.SyncQueue, project, id string, revision int64) queue.SyncItem {
	t.Helper()
	item, err := q.Enqueue(context.Background(), queue.SyncItem{
		ID:             id,
		Table:          queue.TableScene,
		ProjectID:      project,
		Operation:      queue.OpUpsert,
		Payload:        []byte(`{"text":"` + id + `"}`),
		ClientRevision: revision,
	})
	require.NoError(t, err)
	return item
}

func queueLen(t *testing.T, q queue.SyncQueue) int {
	t.Helper()
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	return n
}

var errOffline = errors.New("offline")
