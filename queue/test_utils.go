package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// QueueTest is a behavioural suite shared by SyncQueue backends. Every method
// expects an empty queue using the KeepAll policy.
type QueueTest struct{}

func testItem(id string, revision int64) SyncItem {
	return SyncItem{
		ID:             id,
		Table:          TableChapter,
		ProjectID:      "p1",
		Operation:      OpUpsert,
		Payload:        []byte(fmt.Sprintf(`{"title":"rev %d"}`, revision)),
		ClientRevision: revision,
	}
}

func enqueueN(t *testing.T, q SyncQueue, n int) []SyncItem {
	items := make([]SyncItem, 0, n)
	for i := 0; i < n; i++ {
		item, err := q.Enqueue(context.Background(), testItem(uuid.New().String(), 1))
		require.NoError(t, err, "failed to enqueue item %d", i)
		items = append(items, item)
	}
	return items
}

func seqs(items []SyncItem) []int64 {
	res := make([]int64, len(items))
	for i, item := range items {
		res[i] = item.Seq
	}
	return res
}

func (s *QueueTest) TestFIFOOrder(t *testing.T, q SyncQueue) {
	enqueued := enqueueN(t, q, 5)
	for i := 1; i < len(enqueued); i++ {
		require.Greater(t, enqueued[i].Seq, enqueued[i-1].Seq)
	}

	batch, err := q.DequeueBatch(context.Background(), 3)
	require.NoError(t, err, "failed to dequeue")
	require.Len(t, batch, 3)
	require.Equal(t, seqs(enqueued[:3]), seqs(batch))

	batch, err = q.DequeueBatch(context.Background(), 10)
	require.NoError(t, err, "failed to dequeue")
	require.Equal(t, seqs(enqueued), seqs(batch))
	require.Equal(t, enqueued[0].ID, batch[0].ID)
	require.Equal(t, enqueued[0].Payload, batch[0].Payload)

	batch, err = q.DequeueBatch(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, batch)
}

func (s *QueueTest) TestAcknowledge(t *testing.T, q SyncQueue) {
	enqueued := enqueueN(t, q, 4)
	batch, err := q.DequeueBatch(context.Background(), 2)
	require.NoError(t, err)

	require.NoError(t, q.Acknowledge(context.Background(), seqs(batch)...))
	remaining, err := q.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, seqs(enqueued[2:]), seqs(remaining))

	// acknowledging again is a no-op
	require.NoError(t, q.Acknowledge(context.Background(), seqs(batch)...))
	require.NoError(t, q.Acknowledge(context.Background(), 987654))
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func (s *QueueTest) TestAppendOnlyDuplicates(t *testing.T, q SyncQueue) {
	id := uuid.New().String()
	a, err := q.Enqueue(context.Background(), testItem(id, 1))
	require.NoError(t, err)
	b, err := q.Enqueue(context.Background(), testItem(id, 2))
	require.NoError(t, err)

	batch, err := q.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, []int64{a.Seq, b.Seq}, seqs(batch))
	require.Equal(t, int64(1), batch[0].ClientRevision)
	require.Equal(t, int64(2), batch[1].ClientRevision)
}

func (s *QueueTest) TestConcurrentPeek(t *testing.T, q SyncQueue) {
	enqueued := enqueueN(t, q, 1)

	var wg sync.WaitGroup
	results := make([][]SyncItem, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = q.DequeueBatch(context.Background(), 1)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, seqs(enqueued), seqs(results[i]))
	}
}

func (s *QueueTest) TestRecordStatus(t *testing.T, q SyncQueue) {
	id := uuid.New().String()
	status, err := q.Status(context.Background(), TableChapter, id)
	require.NoError(t, err)
	require.Equal(t, Clean, status.State())

	first, err := q.Enqueue(context.Background(), testItem(id, 1))
	require.NoError(t, err)
	second, err := q.Enqueue(context.Background(), testItem(id, 2))
	require.NoError(t, err)

	status, err = q.Status(context.Background(), TableChapter, id)
	require.NoError(t, err)
	require.Equal(t, Dirty, status.State())
	require.Equal(t, 2, status.Pending)
	require.Equal(t, int64(2), status.LastRevision)

	require.NoError(t, q.Acknowledge(context.Background(), first.Seq))
	status, err = q.Status(context.Background(), TableChapter, id)
	require.NoError(t, err)
	require.Equal(t, Dirty, status.State())
	require.Equal(t, int64(1), status.SyncedRevision)

	require.NoError(t, q.Acknowledge(context.Background(), second.Seq, second.Seq))
	status, err = q.Status(context.Background(), TableChapter, id)
	require.NoError(t, err)
	require.Equal(t, Clean, status.State())
	require.Equal(t, 0, status.Pending)
	require.Equal(t, int64(2), status.SyncedRevision)
}

func (s *QueueTest) TestDeadLetter(t *testing.T, q SyncQueue) {
	enqueued := enqueueN(t, q, 2)
	target := enqueued[0]

	dead, err := q.RecordFailure(context.Background(), "unavailable", 2, target.Seq)
	require.NoError(t, err)
	require.Empty(t, dead)
	batch, err := q.DequeueBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, batch[0].Attempts)

	dead, err = q.RecordFailure(context.Background(), "still unavailable", 2, target.Seq)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, target.Seq, dead[0].Item.Seq)
	require.Equal(t, "still unavailable", dead[0].Reason)

	batch, err = q.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, []int64{enqueued[1].Seq}, seqs(batch))

	status, err := q.Status(context.Background(), target.Table, target.ID)
	require.NoError(t, err)
	require.Equal(t, Failed, status.State())

	letters, err := q.DeadLetters(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, target.ID, letters[0].Item.ID)
	require.Equal(t, 2, letters[0].Item.Attempts)

	requeued, err := q.Requeue(context.Background(), target.Seq)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	require.Greater(t, requeued[0].Seq, enqueued[1].Seq)
	require.Equal(t, 0, requeued[0].Attempts)

	status, err = q.Status(context.Background(), target.Table, target.ID)
	require.NoError(t, err)
	require.Equal(t, Dirty, status.State())
	require.Equal(t, 0, status.DeadLettered)

	letters, err = q.DeadLetters(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, letters)
}

func (s *QueueTest) TestValidation(t *testing.T, q SyncQueue) {
	invalid := []SyncItem{
		{Table: TableNote, ProjectID: "p", Operation: OpDelete, ClientRevision: 1},
		{ID: "n1", Table: "outline", ProjectID: "p", Operation: OpDelete, ClientRevision: 1},
		{ID: "n1", Table: TableNote, Operation: OpDelete, ClientRevision: 1},
		{ID: "n1", Table: TableNote, ProjectID: "p", Operation: OpDelete},
		{ID: "n1", Table: TableNote, ProjectID: "p", Operation: OpUpsert, ClientRevision: 1},
		{ID: "n1", Table: TableNote, ProjectID: "p", Operation: OpDelete, ClientRevision: 1, Payload: []byte("{}")},
		{ID: "n1", Table: TableNote, ProjectID: "p", Operation: "patch", ClientRevision: 1},
	}
	for _, item := range invalid {
		_, err := q.Enqueue(context.Background(), item)
		require.ErrorIs(t, err, ErrInvalidItem, "item %+v should be rejected", item)
	}
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	deleted, err := q.Enqueue(context.Background(), SyncItem{
		ID: "n1", Table: TableNote, ProjectID: "p", Operation: OpDelete, ClientRevision: 3,
	})
	require.NoError(t, err)
	require.Nil(t, deleted.Payload)
}
