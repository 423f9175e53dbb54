package postgres

import (
	"os"
	"testing"

	"github.com/inkwell/draft-sync/store"
	"github.com/stretchr/testify/require"
)

func newStorage(t *testing.T) *PgSyncStorage {
	databaseURL := os.Getenv("TEST_PG_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_PG_DATABASE_URL is not set")
	}
	storage, err := NewPGSyncStorage(databaseURL)
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
