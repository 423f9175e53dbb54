package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/inkwell/draft-sync/store"
	"github.com/stretchr/testify/require"
)

func newStorage(t *testing.T) *SQLiteSyncStorage {
	storage, err := NewSQLiteSyncStorage(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestApplyRecords(t *testing.T) {
	(&store.StoreTest{}).TestApplyRecords(t, newStorage(t))
}

func TestUpdateRecords(t *testing.T) {
	(&store.StoreTest{}).TestUpdateRecords(t, newStorage(t))
}

func TestIdempotentApply(t *testing.T) {
	(&store.StoreTest{}).TestIdempotentApply(t, newStorage(t))
}

func TestDeleteRecords(t *testing.T) {
	(&store.StoreTest{}).TestDeleteRecords(t, newStorage(t))
}

func TestInvalidMutation(t *testing.T) {
	(&store.StoreTest{}).TestInvalidMutation(t, newStorage(t))
}

func TestWrittenAt(t *testing.T) {
	(&store.StoreTest{}).TestWrittenAt(t, newStorage(t))
}

func TestUnknownTable(t *testing.T) {
	(&store.StoreTest{}).TestUnknownTable(t, newStorage(t))
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	storage, err := NewSQLiteSyncStorage(path)
	require.NoError(t, err)
	require.NoError(t, storage.Close())

	storage, err = NewSQLiteSyncStorage(path)
	require.NoError(t, err, "migrations should be a no-op on an existing database")
	require.NoError(t, storage.Close())
}
