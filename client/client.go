// Package client talks to a sync server over gRPC. Every request is signed
// with the device key.
package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/inkwell/draft-sync/middleware"
	"github.com/inkwell/draft-sync/proto"
	"github.com/inkwell/draft-sync/queue"
	"github.com/inkwell/draft-sync/replicate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

type Option func(*Client)

// WithAPIKey sends the base64 DER certificate as a bearer token.
func WithAPIKey(apiKey string) Option {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

type Client struct {
	conn   *grpc.ClientConn
	syncer proto.SyncerClient
	key    *btcec.PrivateKey
	apiKey string
	now    func() time.Time
}

var _ replicate.Transport = (*Client)(nil)

// Dial connects to address without transport security.
func Dial(address string, key *btcec.PrivateKey, opts ...Option) (*Client, error) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %v: %w", address, err)
	}
	c := New(conn, key, opts...)
	c.conn = conn
	return c, nil
}

// New wraps an existing connection. Close does not close cc.
func New(cc grpc.ClientConnInterface, key *btcec.PrivateKey, opts ...Option) *Client {
	c := &Client{
		syncer: proto.NewSyncerClient(cc),
		key:    key,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// ParsePrivateKey decodes a hex encoded secp256k1 private key.
func ParsePrivateKey(hexKey string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode device key: %w", err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("device key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(raw))
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key, nil
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.apiKey)
}

func (c *Client) sign(msg string) (string, error) {
	return middleware.SignMessage(c.key, []byte(msg))
}

func toProtoItems(items []queue.SyncItem) []*proto.SyncItem {
	out := make([]*proto.SyncItem, len(items))
	for i, item := range items {
		out[i] = &proto.SyncItem{
			Id:             item.ID,
			Table:          string(item.Table),
			Operation:      string(item.Operation),
			Payload:        item.Payload,
			ClientRevision: item.ClientRevision,
			CreatedAt:      item.CreatedAt.UnixMilli(),
		}
	}
	return out
}

func fromProtoRecord(r *proto.Record) replicate.RemoteRecord {
	return replicate.RemoteRecord{
		ProjectID:      r.ProjectId,
		Table:          queue.Table(r.Table),
		ID:             r.Id,
		Payload:        r.Payload,
		Deleted:        r.Deleted,
		ClientRevision: r.ClientRevision,
		Revision:       r.Revision,
		UpdatedAt:      time.UnixMilli(r.UpdatedAt),
	}
}

// ApplyBatch sends items of one project and returns the per item results.
func (c *Client) ApplyBatch(ctx context.Context, projectID string, items []queue.SyncItem) ([]*proto.ItemResult, error) {
	req := &proto.ApplyBatchRequest{
		ProjectId:   projectID,
		Items:       toProtoItems(items),
		RequestTime: c.now().Unix(),
	}
	sig, err := c.sign(middleware.SignApplyBatch(req.ProjectId, req.Items, req.RequestTime))
	if err != nil {
		return nil, err
	}
	req.Signature = sig

	reply, err := c.syncer.ApplyBatch(c.outgoing(ctx), req)
	if err != nil {
		return nil, err
	}
	if len(reply.Results) != len(items) {
		return nil, fmt.Errorf("server returned %d results for %d items", len(reply.Results), len(items))
	}
	return reply.Results, nil
}

// Push implements replicate.Transport. Stale and duplicate results are
// successes: the server already holds an equal or newer revision.
func (c *Client) Push(ctx context.Context, projectID string, items []queue.SyncItem) error {
	_, err := c.ApplyBatch(ctx, projectID, items)
	return err
}

func (c *Client) Pull(ctx context.Context, projectID string, sinceRevision int64) ([]replicate.RemoteRecord, error) {
	req := &proto.ListChangesRequest{
		ProjectId:     projectID,
		SinceRevision: sinceRevision,
		RequestTime:   c.now().Unix(),
	}
	sig, err := c.sign(middleware.SignListChanges(req.ProjectId, req.SinceRevision, req.RequestTime))
	if err != nil {
		return nil, err
	}
	req.Signature = sig

	reply, err := c.syncer.ListChanges(c.outgoing(ctx), req)
	if err != nil {
		return nil, err
	}
	records := make([]replicate.RemoteRecord, len(reply.Changes))
	for i, r := range reply.Changes {
		records[i] = fromProtoRecord(r)
	}
	return records, nil
}

// Track streams records applied to the project by any device until ctx is
// done or fn returns an error.
func (c *Client) Track(ctx context.Context, projectID string, fn func(replicate.RemoteRecord) error) error {
	req := &proto.TrackChangesRequest{
		ProjectId:   projectID,
		RequestTime: c.now().Unix(),
	}
	sig, err := c.sign(middleware.SignTrackChanges(req.ProjectId, req.RequestTime))
	if err != nil {
		return err
	}
	req.Signature = sig

	stream, err := c.syncer.TrackChanges(c.outgoing(ctx), req)
	if err != nil {
		return err
	}
	for {
		record, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := fn(fromProtoRecord(record)); err != nil {
			return err
		}
	}
}
