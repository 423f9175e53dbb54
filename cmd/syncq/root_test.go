package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/inkwell/draft-sync/queue"
	"github.com/inkwell/draft-sync/replicate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"enqueue", "status", "drain", "pull", "dead-letters", "keygen"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestKeygen(t *testing.T) {
	out, err := execute(t, "keygen")
	require.NoError(t, err)
	line := strings.SplitN(out, "\n", 2)[0]
	require.True(t, strings.HasPrefix(line, "DEVICE_KEY="))
	require.Len(t, strings.TrimPrefix(line, "DEVICE_KEY="), 64)
}

func TestEnqueueAndStatus(t *testing.T) {
	db := filepath.Join(t.TempDir(), "queue.db")
	dir := t.TempDir()

	out, err := execute(t, "--db", db, "enqueue", "--dir", dir, "--project", "novel", "--table", "chapter", "--id", "ch1", "--payload", `{"title":"One"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "queued chapter ch1 revision 1")

	// the next revision follows the queued one
	out, err = execute(t, "--db", db, "enqueue", "--dir", dir, "--project", "novel", "--table", "chapter", "--id", "ch1", "--payload", `{"title":"Two"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "revision 2")

	out, err = execute(t, "--db", db, "status")
	require.NoError(t, err)
	assert.Equal(t, "2 pending\n", out)

	out, err = execute(t, "--db", db, "status", "chapter", "ch1")
	require.NoError(t, err)
	assert.Contains(t, out, "chapter ch1: dirty")

	_, err = execute(t, "--db", db, "enqueue", "--dir", dir, "--project", "novel", "--table", "poem", "--payload", "x")
	require.ErrorIs(t, err, queue.ErrInvalidItem)
}

func TestDrainOnceUnreachable(t *testing.T) {
	db := filepath.Join(t.TempDir(), "queue.db")
	out, err := execute(t, "keygen")
	require.NoError(t, err)
	t.Setenv("DEVICE_KEY", strings.TrimPrefix(strings.SplitN(out, "\n", 2)[0], "DEVICE_KEY="))
	t.Setenv("SYNC_BATCH_TIMEOUT", "200ms")
	t.Setenv("SYNC_MAX_ATTEMPTS", "1")

	_, err = execute(t, "--db", db, "enqueue", "--project", "novel", "--table", "note", "--id", "n1", "--payload", "remember")
	require.NoError(t, err)

	out, err = execute(t, "--db", db, "--server", "127.0.0.1:1", "drain", "--once")
	require.Error(t, err)
	assert.Contains(t, out, "dead-lettered 1")

	out, err = execute(t, "--db", db, "dead-letters", "--requeue")
	require.NoError(t, err)
	assert.Contains(t, out, "n1")
	assert.Contains(t, out, "requeued 1")

	out, err = execute(t, "--db", db, "status")
	require.NoError(t, err)
	assert.Equal(t, "1 pending\n", out)
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t.TempDir())

	_, found, err := store.Get(ctx, queue.TableScene, "sc1")
	require.NoError(t, err)
	require.False(t, found)

	updated := time.Unix(1700000000, 0).UTC()
	require.NoError(t, store.Apply(ctx, replicate.RemoteRecord{
		Table:          queue.TableScene,
		ID:             "sc1",
		Payload:        []byte("plain text"),
		ClientRevision: 3,
		UpdatedAt:      updated,
	}))
	record, found, err := store.Get(ctx, queue.TableScene, "sc1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(3), record.ClientRevision)
	require.Equal(t, []byte("plain text"), record.Payload)
	require.True(t, updated.Equal(record.UpdatedAt))

	require.NoError(t, store.Apply(ctx, replicate.RemoteRecord{Table: queue.TableScene, ID: "sc1", Deleted: true}))
	_, found, err = store.Get(ctx, queue.TableScene, "sc1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestEnqueueFollowsPulledRevision(t *testing.T) {
	db := filepath.Join(t.TempDir(), "queue.db")
	dir := t.TempDir()

	// another device already brought chapter c1 to revision 5
	require.NoError(t, newFileStore(dir).Apply(context.Background(), replicate.RemoteRecord{
		Table:          queue.TableChapter,
		ID:             "c1",
		Payload:        []byte(`{"title":"Remote"}`),
		ClientRevision: 5,
	}))

	out, err := execute(t, "--db", db, "enqueue", "--dir", dir, "--project", "novel", "--table", "chapter", "--id", "c1", "--payload", `{"title":"Local"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "queued chapter c1 revision 6")
}

func TestFileStoreRejectsUnknownTable(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dir := filepath.Join(root, "records")
	store := newFileStore(dir)

	err := store.Apply(ctx, replicate.RemoteRecord{Table: queue.Table("../escape"), ID: "x", Payload: []byte("data")})
	require.ErrorIs(t, err, queue.ErrInvalidItem)
	_, _, err = store.Get(ctx, queue.Table("../escape"), "x")
	require.ErrorIs(t, err, queue.ErrInvalidItem)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFileStoreKeepsIDsApart(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t.TempDir())

	require.NoError(t, store.Apply(ctx, replicate.RemoteRecord{Table: queue.TableScene, ID: "a/b", Payload: []byte("nested"), ClientRevision: 1}))
	require.NoError(t, store.Apply(ctx, replicate.RemoteRecord{Table: queue.TableScene, ID: "b", Payload: []byte("plain"), ClientRevision: 2}))
	require.NoError(t, store.Apply(ctx, replicate.RemoteRecord{Table: queue.TableScene, ID: "..", Payload: []byte("dots"), ClientRevision: 3}))

	for id, payload := range map[string]string{"a/b": "nested", "b": "plain", "..": "dots"} {
		record, found, err := store.Get(ctx, queue.TableScene, id)
		require.NoError(t, err)
		require.True(t, found, id)
		assert.Equal(t, []byte(payload), record.Payload, id)
	}
}
