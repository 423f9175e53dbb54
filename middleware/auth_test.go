package middleware

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/inkwell/draft-sync/config"
	"github.com/inkwell/draft-sync/proto"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	pubkey := privateKey.PubKey().SerializeCompressed()
	message := []byte("test message")
	signature, err := SignMessage(privateKey, message)
	require.NoError(t, err, "failed to sign message")
	recoveredKey, err := VerifyMessage(message, signature)
	require.NoError(t, err, "failed to verify message")
	require.Equal(t, recoveredKey.SerializeCompressed(), pubkey)
}

func signedBatch(t *testing.T, key *btcec.PrivateKey, requestTime int64) *proto.ApplyBatchRequest {
	t.Helper()
	req := &proto.ApplyBatchRequest{
		ProjectId: "p1",
		Items: []*proto.SyncItem{{
			Id:             "c1",
			Table:          "chapter",
			Operation:      "upsert",
			Payload:        []byte(`{"title":"one"}`),
			ClientRevision: 1,
		}},
		RequestTime: requestTime,
	}
	sig, err := SignMessage(key, []byte(SignApplyBatch(req.ProjectId, req.Items, req.RequestTime)))
	require.NoError(t, err)
	req.Signature = sig
	return req
}

func TestAuthenticateApplyBatch(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	cfg := &config.Config{RequestMaxAge: time.Minute}

	req := signedBatch(t, key, time.Now().Unix())
	ctx, err := Authenticate(cfg, context.Background(), req)
	require.NoError(t, err)
	pubkey, ok := UserPubkey(ctx)
	require.True(t, ok)
	require.Equal(t, hex.EncodeToString(key.PubKey().SerializeCompressed()), pubkey)

	// tampering with an item changes the recovered key
	req.Items[0].Payload = []byte(`{"title":"two"}`)
	ctx, err = Authenticate(cfg, context.Background(), req)
	if err == nil {
		pubkey, _ = UserPubkey(ctx)
		require.NotEqual(t, hex.EncodeToString(key.PubKey().SerializeCompressed()), pubkey)
	}
}

func TestAuthenticateExpired(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	cfg := &config.Config{RequestMaxAge: time.Minute}

	req := signedBatch(t, key, time.Now().Add(-time.Hour).Unix())
	_, err = Authenticate(cfg, context.Background(), req)
	require.ErrorIs(t, err, ErrRequestExpired)

	cfg.RequestMaxAge = 0
	_, err = Authenticate(cfg, context.Background(), req)
	require.NoError(t, err)
}

func TestAuthenticateListAndTrack(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	cfg := &config.Config{}
	now := time.Now().Unix()

	list := &proto.ListChangesRequest{ProjectId: "p1", SinceRevision: 4, RequestTime: now}
	list.Signature, err = SignMessage(key, []byte(SignListChanges(list.ProjectId, list.SinceRevision, list.RequestTime)))
	require.NoError(t, err)
	_, err = Authenticate(cfg, context.Background(), list)
	require.NoError(t, err)

	track := &proto.TrackChangesRequest{ProjectId: "p1", RequestTime: now}
	track.Signature, err = SignMessage(key, []byte(SignTrackChanges(track.ProjectId, track.RequestTime)))
	require.NoError(t, err)
	_, err = Authenticate(cfg, context.Background(), track)
	require.NoError(t, err)

	_, err = Authenticate(cfg, context.Background(), &proto.ApplyBatchReply{})
	require.ErrorIs(t, err, ErrUnsupportedRequest)
}

func TestMissingApiKey(t *testing.T) {
	cfg := &config.Config{}
	require.NoError(t, checkApiKey(cfg, context.Background()))
}

func TestSignApplyBatchFieldBoundaries(t *testing.T) {
	item := func(table, id string) *proto.SyncItem {
		return &proto.SyncItem{Table: table, Id: id, Operation: "upsert", Payload: []byte("x"), ClientRevision: 1}
	}
	cases := [][2][]*proto.SyncItem{
		// separators inside an id must not move bytes into the table
		{{item("scene", "a|b")}, {item("scene|a", "b")}},
		{{item("scene", "a;b")}, {item("scene", "a"), item("b", "")}},
		{{item("scene", "12:ab")}, {item("scene1", "2:ab")}},
	}
	for _, c := range cases {
		require.NotEqual(t, SignApplyBatch("p1", c[0], 1), SignApplyBatch("p1", c[1], 1))
	}

	tampered := item("scene", "a")
	tampered.CreatedAt = 1700000000000
	require.NotEqual(t, SignApplyBatch("p1", []*proto.SyncItem{item("scene", "a")}, 1),
		SignApplyBatch("p1", []*proto.SyncItem{tampered}, 1))
}
