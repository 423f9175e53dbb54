package main

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inkwell/draft-sync/config"
	"github.com/inkwell/draft-sync/middleware"
	"github.com/inkwell/draft-sync/proto"
	"github.com/inkwell/draft-sync/store"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// subscriptionBuffer bounds how far a TrackChanges stream may fall behind
// before events for it are dropped. The client catches up with ListChanges.
const subscriptionBuffer = 64

type changeRecordEvent struct {
	pubkey string
	record *proto.Record
}

type PersistentSyncerServer struct {
	proto.UnimplementedSyncerServer
	config        *config.Config
	storage       store.SyncStorage
	eventsManager *eventsManager
}

func NewPersistentSyncerServer(config *config.Config, storage store.SyncStorage) *PersistentSyncerServer {
	return &PersistentSyncerServer{
		config:        config,
		storage:       storage,
		eventsManager: newEventsManager(),
	}
}

func (s *PersistentSyncerServer) Start(quitChan chan struct{}) {
	s.eventsManager.start(quitChan)
}

func (s *PersistentSyncerServer) authenticate(ctx context.Context, req interface{}) (context.Context, string, error) {
	c, err := middleware.Authenticate(s.config, ctx, req)
	if err != nil {
		return nil, "", status.Error(codes.Unauthenticated, err.Error())
	}
	pubkey, ok := middleware.UserPubkey(c)
	if !ok {
		return nil, "", status.Error(codes.Internal, middleware.ErrInternalError.Error())
	}
	return c, pubkey, nil
}

func toStatus(s store.ApplyStatus) proto.ApplyStatus {
	switch s {
	case store.Duplicate:
		return proto.ApplyStatus_DUPLICATE
	case store.Stale:
		return proto.ApplyStatus_STALE
	}
	return proto.ApplyStatus_APPLIED
}

func (s *PersistentSyncerServer) ApplyBatch(ctx context.Context, msg *proto.ApplyBatchRequest) (*proto.ApplyBatchReply, error) {
	c, pubkey, err := s.authenticate(ctx, msg)
	if err != nil {
		return nil, err
	}
	if msg.ProjectId == "" {
		return nil, status.Error(codes.InvalidArgument, "project id is required")
	}

	mutations := make([]store.Mutation, len(msg.Items))
	for i, item := range msg.Items {
		if item == nil {
			return nil, status.Error(codes.InvalidArgument, "empty item")
		}
		mutations[i] = store.Mutation{
			Table:          item.Table,
			Id:             item.Id,
			Operation:      item.Operation,
			Payload:        item.Payload,
			ClientRevision: item.ClientRevision,
		}
		if item.CreatedAt > 0 {
			mutations[i].UpdatedAt = time.UnixMilli(item.CreatedAt)
		}
	}

	results, err := s.storage.ApplyBatch(c, pubkey, msg.ProjectId, mutations)
	if err != nil {
		if errors.Is(err, store.ErrInvalidMutation) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		log.Printf("failed to apply batch of %v items for %v: %v", len(mutations), msg.ProjectId, err)
		return nil, status.Error(codes.Internal, "failed to apply batch")
	}

	now := time.Now()
	reply := &proto.ApplyBatchReply{Results: make([]*proto.ItemResult, len(results))}
	for i, r := range results {
		reply.Results[i] = &proto.ItemResult{
			Id:             r.Id,
			Table:          r.Table,
			ClientRevision: r.ClientRevision,
			Status:         toStatus(r.Status),
			Revision:       r.Revision,
		}
		if r.Status != store.Applied {
			continue
		}
		m := mutations[i]
		s.eventsManager.notifyChange(pubkey, &proto.Record{
			ProjectId:      msg.ProjectId,
			Table:          m.Table,
			Id:             m.Id,
			Payload:        m.Payload,
			Deleted:        m.Operation == store.OpDelete,
			ClientRevision: m.ClientRevision,
			Revision:       r.Revision,
			UpdatedAt:      m.WrittenAt(now).UnixMilli(),
		})
	}
	return reply, nil
}

func (s *PersistentSyncerServer) ListChanges(ctx context.Context, msg *proto.ListChangesRequest) (*proto.ListChangesReply, error) {
	c, pubkey, err := s.authenticate(ctx, msg)
	if err != nil {
		return nil, err
	}
	changed, err := s.storage.ListChanges(c, pubkey, msg.ProjectId, msg.SinceRevision)
	if err != nil {
		log.Printf("failed to list changes for %v: %v", msg.ProjectId, err)
		return nil, status.Error(codes.Internal, "failed to list changes")
	}
	records := make([]*proto.Record, len(changed))
	for i, r := range changed {
		records[i] = &proto.Record{
			ProjectId:      r.ProjectId,
			Table:          r.Table,
			Id:             r.Id,
			Payload:        r.Payload,
			Deleted:        r.Deleted,
			ClientRevision: r.ClientRevision,
			Revision:       r.Revision,
			UpdatedAt:      r.UpdatedAt.UnixMilli(),
		}
	}
	return &proto.ListChangesReply{
		Changes: records,
	}, nil
}

func (s *PersistentSyncerServer) TrackChanges(request *proto.TrackChangesRequest, stream proto.Syncer_TrackChangesServer) error {
	context, pubkey, err := s.authenticate(stream.Context(), request)
	if err != nil {
		return err
	}

	subscription := s.eventsManager.subscribe(pubkey, request.ProjectId)
	defer s.eventsManager.unsubscribe(pubkey, subscription.id)
	for {
		select {
		case event, ok := <-subscription.eventsChan:
			if !ok {
				// The manager is shutting down.
				return nil
			}

			if err := stream.Send(event.record); err != nil {
				return err
			}

		case <-context.Done():
			return nil
		}
	}
}

type notifyChange struct {
	pubkey string
	record *proto.Record
}

type unsubscribe struct {
	pubkey string
	id     int64
}

type subscription struct {
	id         int64
	pubkey     string
	projectID  string
	eventsChan chan *changeRecordEvent
}

type eventsManager struct {
	globalIDs atomic.Int64
	streams   map[string][]*subscription
	msgChan   chan interface{}
	done      chan struct{}
	closeOnce sync.Once
}

func newEventsManager() *eventsManager {
	return &eventsManager{
		streams: make(map[string][]*subscription),
		msgChan: make(chan interface{}),
		done:    make(chan struct{}),
	}
}

func (c *eventsManager) start(quitChan chan struct{}) {
	go func() {
		defer c.closeOnce.Do(func() { close(c.done) })
		for {
			select {
			case msg := <-c.msgChan:
				switch s := msg.(type) {
				case *subscription:
					c.streams[s.pubkey] = append(c.streams[s.pubkey], s)
				case *unsubscribe:
					var newSubs []*subscription
					for _, sub := range c.streams[s.pubkey] {
						if sub.id != s.id {
							newSubs = append(newSubs, sub)
							continue
						}
						close(sub.eventsChan)
					}
					delete(c.streams, s.pubkey)
					if len(newSubs) > 0 {
						c.streams[s.pubkey] = newSubs
					}
				case *notifyChange:
					for _, sub := range c.streams[s.pubkey] {
						if sub.projectID != "" && sub.projectID != s.record.ProjectId {
							continue
						}
						select {
						case sub.eventsChan <- &changeRecordEvent{pubkey: s.pubkey, record: s.record}:
						default:
							log.Printf("dropping change %v/%v for slow subscriber %v", s.record.Table, s.record.Id, sub.id)
						}
					}
				}

			case <-quitChan:
				for _, subs := range c.streams {
					for _, sub := range subs {
						close(sub.eventsChan)
					}
				}
				c.streams = make(map[string][]*subscription)
				return
			}
		}
	}()
}

// send hands msg to the manager loop unless it has stopped.
func (c *eventsManager) send(msg interface{}) {
	select {
	case c.msgChan <- msg:
	case <-c.done:
	}
}

func (c *eventsManager) notifyChange(pubkey string, record *proto.Record) {
	c.send(&notifyChange{pubkey: pubkey, record: record})
}

func (c *eventsManager) subscribe(pubkey, projectID string) *subscription {
	s := &subscription{
		id:         c.globalIDs.Add(1),
		pubkey:     pubkey,
		projectID:  projectID,
		eventsChan: make(chan *changeRecordEvent, subscriptionBuffer),
	}
	c.send(s)
	return s
}

func (c *eventsManager) unsubscribe(pubkey string, id int64) {
	c.send(&unsubscribe{pubkey: pubkey, id: id})
}
