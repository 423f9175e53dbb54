package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestCodecRegistered(t *testing.T) {
	codec := encoding.GetCodec(Codec)
	require.NotNil(t, codec, "json codec should be registered")

	data, err := codec.Marshal(&SyncItem{Id: "c1", Table: "chapter", Operation: "delete", ClientRevision: 3})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"c1","table":"chapter","operation":"delete","client_revision":3,"created_at":0}`, string(data))
}
