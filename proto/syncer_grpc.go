package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	Syncer_ApplyBatch_FullMethodName   = "/sync.Syncer/ApplyBatch"
	Syncer_ListChanges_FullMethodName  = "/sync.Syncer/ListChanges"
	Syncer_TrackChanges_FullMethodName = "/sync.Syncer/TrackChanges"
)

// SyncerClient is the client API for the Syncer service.
type SyncerClient interface {
	ApplyBatch(ctx context.Context, in *ApplyBatchRequest, opts ...grpc.CallOption) (*ApplyBatchReply, error)
	ListChanges(ctx context.Context, in *ListChangesRequest, opts ...grpc.CallOption) (*ListChangesReply, error)
	TrackChanges(ctx context.Context, in *TrackChangesRequest, opts ...grpc.CallOption) (Syncer_TrackChangesClient, error)
}

type syncerClient struct {
	cc grpc.ClientConnInterface
}

func NewSyncerClient(cc grpc.ClientConnInterface) SyncerClient {
	return &syncerClient{cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(Codec)}, opts...)
}

func (c *syncerClient) ApplyBatch(ctx context.Context, in *ApplyBatchRequest, opts ...grpc.CallOption) (*ApplyBatchReply, error) {
	out := new(ApplyBatchReply)
	if err := c.cc.Invoke(ctx, Syncer_ApplyBatch_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncerClient) ListChanges(ctx context.Context, in *ListChangesRequest, opts ...grpc.CallOption) (*ListChangesReply, error) {
	out := new(ListChangesReply)
	if err := c.cc.Invoke(ctx, Syncer_ListChanges_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncerClient) TrackChanges(ctx context.Context, in *TrackChangesRequest, opts ...grpc.CallOption) (Syncer_TrackChangesClient, error) {
	stream, err := c.cc.NewStream(ctx, &Syncer_ServiceDesc.Streams[0], Syncer_TrackChanges_FullMethodName, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &syncerTrackChangesClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type Syncer_TrackChangesClient interface {
	Recv() (*Record, error)
	grpc.ClientStream
}

type syncerTrackChangesClient struct {
	grpc.ClientStream
}

func (x *syncerTrackChangesClient) Recv() (*Record, error) {
	m := new(Record)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// SyncerServer is the server API for the Syncer service.
type SyncerServer interface {
	ApplyBatch(context.Context, *ApplyBatchRequest) (*ApplyBatchReply, error)
	ListChanges(context.Context, *ListChangesRequest) (*ListChangesReply, error)
	TrackChanges(*TrackChangesRequest, Syncer_TrackChangesServer) error
}

// UnimplementedSyncerServer can be embedded to have forward compatible implementations.
type UnimplementedSyncerServer struct{}

func (UnimplementedSyncerServer) ApplyBatch(context.Context, *ApplyBatchRequest) (*ApplyBatchReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ApplyBatch not implemented")
}

func (UnimplementedSyncerServer) ListChanges(context.Context, *ListChangesRequest) (*ListChangesReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ListChanges not implemented")
}

func (UnimplementedSyncerServer) TrackChanges(*TrackChangesRequest, Syncer_TrackChangesServer) error {
	return status.Errorf(codes.Unimplemented, "method TrackChanges not implemented")
}

func RegisterSyncerServer(s grpc.ServiceRegistrar, srv SyncerServer) {
	s.RegisterService(&Syncer_ServiceDesc, srv)
}

func _Syncer_ApplyBatch_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ApplyBatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncerServer).ApplyBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Syncer_ApplyBatch_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SyncerServer).ApplyBatch(ctx, req.(*ApplyBatchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Syncer_ListChanges_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListChangesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncerServer).ListChanges(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Syncer_ListChanges_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SyncerServer).ListChanges(ctx, req.(*ListChangesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Syncer_TrackChanges_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(TrackChangesRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(SyncerServer).TrackChanges(m, &syncerTrackChangesServer{stream})
}

type Syncer_TrackChangesServer interface {
	Send(*Record) error
	grpc.ServerStream
}

type syncerTrackChangesServer struct {
	grpc.ServerStream
}

func (x *syncerTrackChangesServer) Send(m *Record) error {
	return x.ServerStream.SendMsg(m)
}

// Syncer_ServiceDesc is the grpc.ServiceDesc for the Syncer service.
var Syncer_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "sync.Syncer",
	HandlerType: (*SyncerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ApplyBatch",
			Handler:    _Syncer_ApplyBatch_Handler,
		},
		{
			MethodName: "ListChanges",
			Handler:    _Syncer_ListChanges_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "TrackChanges",
			Handler:       _Syncer_TrackChanges_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "sync.proto",
}
