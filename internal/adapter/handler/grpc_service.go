package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The ledger service is described by hand over well-known protobuf types, so
// no generated code is needed on either side of the wire.
const (
	LedgerServiceName         = "inventory.v1.LedgerService"
	appendTransactionFullName = "/" + LedgerServiceName + "/AppendTransaction"
	getQuantityFullName       = "/" + LedgerServiceName + "/GetQuantity"
	watchViewFullName         = "/" + LedgerServiceName + "/WatchView"
)

// LedgerServiceServer is implemented by GRPCHandler.
type LedgerServiceServer interface {
	AppendTransaction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetQuantity(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// WatchView opens a live view with the first received criteria; later
	// messages re-sort or re-filter it. Every batch is sent as one message.
	WatchView(grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error
}

func RegisterLedgerServiceServer(s grpc.ServiceRegistrar, srv LedgerServiceServer) {
	s.RegisterService(&ledgerServiceDesc, srv)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: LedgerServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AppendTransaction", Handler: appendTransactionHandler},
		{MethodName: "GetQuantity", Handler: getQuantityHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchView",
			Handler:       watchViewHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "inventory/v1/ledger.proto",
}

func appendTransactionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServiceServer).AppendTransaction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: appendTransactionFullName}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServiceServer).AppendTransaction(ctx, req.(*structpb.Struct))
	})
}

func getQuantityHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServiceServer).GetQuantity(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getQuantityFullName}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServiceServer).GetQuantity(ctx, req.(*wrapperspb.StringValue))
	})
}

func watchViewHandler(srv any, stream grpc.ServerStream) error {
	return srv.(LedgerServiceServer).WatchView(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// LedgerServiceClient calls the ledger service over an established connection.
type LedgerServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerServiceClient(cc grpc.ClientConnInterface) *LedgerServiceClient {
	return &LedgerServiceClient{cc: cc}
}

func (c *LedgerServiceClient) AppendTransaction(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, appendTransactionFullName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerServiceClient) GetQuantity(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getQuantityFullName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerServiceClient) WatchView(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[structpb.Struct, structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ledgerServiceDesc.Streams[0], watchViewFullName, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}
