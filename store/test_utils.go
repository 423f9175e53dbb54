package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type StoreTest struct{}

func upsert(table, id, data string, revision int64) Mutation {
	return Mutation{Table: table, Id: id, Operation: OpUpsert, Payload: []byte(data), ClientRevision: revision}
}

func (s *StoreTest) TestApplyRecords(t *testing.T, storage SyncStorage) {
	testUserID := uuid.New().String()
	results, err := storage.ApplyBatch(context.Background(), testUserID, "p1", []Mutation{
		upsert("chapter", "a1", "data1", 1),
		upsert("note", "a2", "data2", 1),
	})
	require.NoError(t, err, "failed to call ApplyBatch")
	require.Len(t, results, 2)
	require.Equal(t, Applied, results[0].Status)
	require.Equal(t, int64(1), results[0].Revision)
	require.Equal(t, Applied, results[1].Status)
	require.Equal(t, int64(2), results[1].Revision)

	records, err := storage.ListChanges(context.Background(), testUserID, "p1", 0)
	require.NoError(t, err, "failed to call list changes")
	require.Len(t, records, 2)
	require.Equal(t, "a1", records[0].Id)
	require.Equal(t, "chapter", records[0].Table)
	require.Equal(t, []byte("data1"), records[0].Payload)
	require.Equal(t, int64(1), records[0].ClientRevision)
	require.Equal(t, int64(1), records[0].Revision)
	require.Equal(t, "a2", records[1].Id)
	require.Equal(t, int64(2), records[1].Revision)

	records, err = storage.ListChanges(context.Background(), testUserID, "p1", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "a2", records[0].Id)

	// Test different user with same id
	anotherUserID := uuid.New().String()
	results, err = storage.ApplyBatch(context.Background(), anotherUserID, "p1", []Mutation{upsert("chapter", "a1", "data1", 1)})
	require.NoError(t, err, "failed to call ApplyBatch a1")
	require.Equal(t, int64(1), results[0].Revision)

	// and a different project of the same user
	records, err = storage.ListChanges(context.Background(), testUserID, "p2", 0)
	require.NoError(t, err)
	require.Empty(t, records)
}

func (s *StoreTest) TestUpdateRecords(t *testing.T, storage SyncStorage) {
	testUserID := uuid.New().String()
	_, err := storage.ApplyBatch(context.Background(), testUserID, "p1", []Mutation{upsert("chapter", "a1", "data1", 1)})
	require.NoError(t, err, "failed to call ApplyBatch rev 1")

	results, err := storage.ApplyBatch(context.Background(), testUserID, "p1", []Mutation{upsert("chapter", "a1", "data2", 2)})
	require.NoError(t, err, "failed to call ApplyBatch rev 2")
	require.Equal(t, Applied, results[0].Status)
	require.Equal(t, int64(2), results[0].Revision)

	records, err := storage.ListChanges(context.Background(), testUserID, "p1", 0)
	require.NoError(t, err, "failed to call list changes")
	require.Len(t, records, 1)
	require.Equal(t, []byte("data2"), records[0].Payload)
	require.Equal(t, int64(2), records[0].ClientRevision)
	require.Equal(t, int64(2), records[0].Revision)
}

func (s *StoreTest) TestIdempotentApply(t *testing.T, storage SyncStorage) {
	testUserID := uuid.New().String()
	batch := []Mutation{upsert("chapter", "a1", "data1", 1), upsert("chapter", "a1", "data2", 2)}

	results, err := storage.ApplyBatch(context.Background(), testUserID, "p1", batch)
	require.NoError(t, err)
	require.Equal(t, Applied, results[0].Status)
	require.Equal(t, Applied, results[1].Status)

	results, err = storage.ApplyBatch(context.Background(), testUserID, "p1", batch)
	require.NoError(t, err, "redelivery should not fail")
	require.Equal(t, Stale, results[0].Status)
	require.Equal(t, Duplicate, results[1].Status)
	require.Equal(t, int64(2), results[1].Revision)

	records, err := storage.ListChanges(context.Background(), testUserID, "p1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, []byte("data2"), records[0].Payload)
	require.Equal(t, int64(2), records[0].Revision)
}

func (s *StoreTest) TestDeleteRecords(t *testing.T, storage SyncStorage) {
	testUserID := uuid.New().String()
	_, err := storage.ApplyBatch(context.Background(), testUserID, "p1", []Mutation{upsert("scene", "s1", "draft", 1)})
	require.NoError(t, err)

	results, err := storage.ApplyBatch(context.Background(), testUserID, "p1", []Mutation{
		{Table: "scene", Id: "s1", Operation: OpDelete, ClientRevision: 2},
	})
	require.NoError(t, err)
	require.Equal(t, Applied, results[0].Status)

	records, err := storage.ListChanges(context.Background(), testUserID, "p1", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].Deleted)
	require.Empty(t, records[0].Payload)
	require.Equal(t, int64(2), records[0].ClientRevision)
}

func (s *StoreTest) TestInvalidMutation(t *testing.T, storage SyncStorage) {
	testUserID := uuid.New().String()
	_, err := storage.ApplyBatch(context.Background(), testUserID, "p1", []Mutation{
		upsert("chapter", "a1", "data1", 1),
		{Table: "chapter", Id: "a2", Operation: "patch", ClientRevision: 1},
	})
	require.ErrorIs(t, err, ErrInvalidMutation)

	records, err := storage.ListChanges(context.Background(), testUserID, "p1", 0)
	require.NoError(t, err)
	require.Empty(t, records, "a rejected batch must not be partially applied")
}

func (s *StoreTest) TestWrittenAt(t *testing.T, storage SyncStorage) {
	testUserID := uuid.New().String()
	written := time.UnixMilli(1700000000123)
	m := upsert("scene", "s1", "draft", 1)
	m.UpdatedAt = written
	_, err := storage.ApplyBatch(context.Background(), testUserID, "p1", []Mutation{m})
	require.NoError(t, err)

	records, err := storage.ListChanges(context.Background(), testUserID, "p1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, written.Equal(records[0].UpdatedAt), "stored %v, want the device write time %v", records[0].UpdatedAt, written)
}

func (s *StoreTest) TestUnknownTable(t *testing.T, storage SyncStorage) {
	testUserID := uuid.New().String()
	_, err := storage.ApplyBatch(context.Background(), testUserID, "p1", []Mutation{upsert("../../escape", "a1", "data1", 1)})
	require.ErrorIs(t, err, ErrInvalidMutation)

	records, err := storage.ListChanges(context.Background(), testUserID, "p1", 0)
	require.NoError(t, err)
	require.Empty(t, records)
}
