package client

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/inkwell/draft-sync/proto"
	"github.com/inkwell/draft-sync/queue"
	"github.com/stretchr/testify/require"
)

func TestParsePrivateKey(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	parsed, err := ParsePrivateKey(hex.EncodeToString(key.Serialize()))
	require.NoError(t, err)
	require.Equal(t, key.PubKey().SerializeCompressed(), parsed.PubKey().SerializeCompressed())

	_, err = ParsePrivateKey("zz")
	require.Error(t, err)
	_, err = ParsePrivateKey("abcd")
	require.Error(t, err)
}

func TestRecordConversion(t *testing.T) {
	created := time.UnixMilli(1700000000123)
	items := toProtoItems([]queue.SyncItem{{
		Seq:            7,
		ID:             "sc1",
		Table:          queue.TableScene,
		ProjectID:      "novel",
		Operation:      queue.OpUpsert,
		Payload:        []byte("text"),
		ClientRevision: 3,
		CreatedAt:      created,
	}})
	require.Equal(t, &proto.SyncItem{
		Id:             "sc1",
		Table:          "scene",
		Operation:      "upsert",
		Payload:        []byte("text"),
		ClientRevision: 3,
		CreatedAt:      created.UnixMilli(),
	}, items[0])

	record := fromProtoRecord(&proto.Record{
		ProjectId:      "novel",
		Table:          "scene",
		Id:             "sc1",
		Deleted:        true,
		ClientRevision: 4,
		Revision:       12,
		UpdatedAt:      created.UnixMilli(),
	})
	require.Equal(t, queue.TableScene, record.Table)
	require.True(t, record.Deleted)
	require.Equal(t, int64(12), record.Revision)
	require.True(t, created.Equal(record.UpdatedAt))
}
