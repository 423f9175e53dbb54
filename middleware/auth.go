package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/inkwell/draft-sync/config"
	"github.com/inkwell/draft-sync/proto"
	"github.com/tv42/zbase32"
	"google.golang.org/grpc/metadata"
)

type contextKey string

const (
	USER_PUBKEY_CONTEXT_KEY contextKey = "user_pubkey"
)

var ErrInternalError = errors.New("internal error")
var ErrInvalidSignature = errors.New("invalid signature")
var ErrRequestExpired = errors.New("request time outside of the allowed window")
var ErrUnsupportedRequest = errors.New("unsupported request type")
var SignedMsgPrefix = []byte("draftsync:")

func checkApiKey(config *config.Config, ctx context.Context) error {
	if config.CACert == nil || config.CACert.Raw == nil {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return fmt.Errorf("could not read request metadata")
	}

	values := md.Get("Authorization")
	if len(values) == 0 {
		return fmt.Errorf("missing auth header")
	}
	authHeader := values[0]
	if len(authHeader) <= 7 || !strings.HasPrefix(authHeader, "Bearer ") {
		return fmt.Errorf("invalid auth header")
	}

	apiKey := authHeader[7:]
	block, err := base64.StdEncoding.DecodeString(apiKey)
	if err != nil {
		return fmt.Errorf("could not decode auth header: %w", err)
	}

	cert, err := x509.ParseCertificate(block)
	if err != nil {
		return fmt.Errorf("could not parse certificate: %w", err)
	}

	rootPool := x509.NewCertPool()
	rootPool.AddCert(config.CACert.Raw)

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots: rootPool,
	})
	if err != nil {
		return fmt.Errorf("certificate verification error: %w", err)
	}
	if len(chains) != 1 || len(chains[0]) != 2 || !chains[0][0].Equal(cert) || !chains[0][1].Equal(config.CACert.Raw) {
		return fmt.Errorf("certificate verification error: invalid chain of trust")
	}

	return nil
}

func checkRequestTime(config *config.Config, requestTime int64, now time.Time) error {
	if config.RequestMaxAge <= 0 {
		return nil
	}
	skew := now.Sub(time.Unix(requestTime, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > config.RequestMaxAge {
		return ErrRequestExpired
	}
	return nil
}

// Authenticate verifies the api key and the request signature and returns a
// context carrying the hex encoded pubkey of the signer.
func Authenticate(config *config.Config, ctx context.Context, req interface{}) (context.Context, error) {
	if err := checkApiKey(config, ctx); err != nil {
		return nil, err
	}

	var toVerify string
	var signature string
	var requestTime int64
	switch r := req.(type) {
	case *proto.ApplyBatchRequest:
		toVerify = SignApplyBatch(r.ProjectId, r.Items, r.RequestTime)
		signature = r.Signature
		requestTime = r.RequestTime
	case *proto.ListChangesRequest:
		toVerify = SignListChanges(r.ProjectId, r.SinceRevision, r.RequestTime)
		signature = r.Signature
		requestTime = r.RequestTime
	case *proto.TrackChangesRequest:
		toVerify = SignTrackChanges(r.ProjectId, r.RequestTime)
		signature = r.Signature
		requestTime = r.RequestTime
	default:
		return nil, ErrUnsupportedRequest
	}

	if err := checkRequestTime(config, requestTime, time.Now()); err != nil {
		return nil, err
	}

	pubkey, err := VerifyMessage([]byte(toVerify), signature)
	if err != nil {
		return nil, err
	}

	pubkeyBytes := pubkey.SerializeCompressed()
	newContext := context.WithValue(ctx, USER_PUBKEY_CONTEXT_KEY, hex.EncodeToString(pubkeyBytes))
	return newContext, nil
}

// UserPubkey returns the pubkey stored by Authenticate.
func UserPubkey(ctx context.Context) (string, bool) {
	pubkey, ok := ctx.Value(USER_PUBKEY_CONTEXT_KEY).(string)
	return pubkey, ok && pubkey != ""
}

// SignApplyBatch is the message a device signs for a batch. Items are
// committed through a single digest so the message stays short. Every field
// is length prefixed so ids and tables cannot shift bytes between fields.
func SignApplyBatch(projectID string, items []*proto.SyncItem, requestTime int64) string {
	var sb strings.Builder
	for _, item := range items {
		for _, field := range []string{
			item.Table,
			item.Id,
			item.Operation,
			strconv.FormatInt(item.ClientRevision, 10),
			strconv.FormatInt(item.CreatedAt, 10),
			hex.EncodeToString(item.Payload),
		} {
			fmt.Fprintf(&sb, "%d:%s", len(field), field)
		}
	}
	return fmt.Sprintf("%v-%x-%v", projectID, chainhash.HashB([]byte(sb.String())), requestTime)
}

func SignListChanges(projectID string, sinceRevision int64, requestTime int64) string {
	return fmt.Sprintf("%v-%v-%v", projectID, sinceRevision, requestTime)
}

func SignTrackChanges(projectID string, requestTime int64) string {
	return fmt.Sprintf("%v-%v", projectID, requestTime)
}

func SignMessage(key *btcec.PrivateKey, msg []byte) (string, error) {
	message := append(append([]byte{}, SignedMsgPrefix...), msg...)
	digest := chainhash.DoubleHashB(message)
	signature, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return zbase32.EncodeToString(signature), nil
}

func VerifyMessage(message []byte, signature string) (*btcec.PublicKey, error) {
	// The signature should be zbase32 encoded
	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}

	msg := append(append([]byte{}, SignedMsgPrefix...), message...)
	first := sha256.Sum256(msg)
	second := sha256.Sum256(first[:])
	pubkey, wasCompressed, err := ecdsa.RecoverCompact(
		sig,
		second[:],
	)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if !wasCompressed {
		return nil, ErrInvalidSignature
	}

	return pubkey, nil
}
