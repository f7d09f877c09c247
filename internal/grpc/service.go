package grpc

import (
	"context"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

// Fully-qualified names of the lock service and its methods, as declared in
// proto/leasekeeper/v1/lock.proto.
const (
	LockServiceName          = "leasekeeper.v1.LockService"
	LockServiceLockMethod    = "/leasekeeper.v1.LockService/Lock"
	LockServiceGetInfoMethod = "/leasekeeper.v1.LockService/GetLockInfo"
)

// LockServiceServer is the server API for the lock service.
type LockServiceServer interface {
	Lock(context.Context, *LockRequest) (*LockResponse, error)
	GetLockInfo(context.Context, *emptypb.Empty) (*LockInfoResponse, error)
}

// RegisterLockServiceServer registers srv on s.
func RegisterLockServiceServer(s gogrpc.ServiceRegistrar, srv LockServiceServer) {
	s.RegisterService(&LockServiceDesc, srv)
}

func lockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor gogrpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LockServiceServer).Lock(ctx, in)
	}
	info := &gogrpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: LockServiceLockMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LockServiceServer).Lock(ctx, req.(*LockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getLockInfoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor gogrpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LockServiceServer).GetLockInfo(ctx, in)
	}
	info := &gogrpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: LockServiceGetInfoMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LockServiceServer).GetLockInfo(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// LockServiceDesc is the grpc.ServiceDesc for the lock service.
var LockServiceDesc = gogrpc.ServiceDesc{
	ServiceName: LockServiceName,
	HandlerType: (*LockServiceServer)(nil),
	Methods: []gogrpc.MethodDesc{
		{
			MethodName: "Lock",
			Handler:    lockHandler,
		},
		{
			MethodName: "GetLockInfo",
			Handler:    getLockInfoHandler,
		},
	},
	Streams:  []gogrpc.StreamDesc{},
	Metadata: "leasekeeper/v1/lock.proto",
}

// LockServiceClient is the client API for the lock service.
// Calls are sent with the json content subtype.
type LockServiceClient interface {
	Lock(ctx context.Context, in *LockRequest, opts ...gogrpc.CallOption) (*LockResponse, error)
	GetLockInfo(ctx context.Context, in *emptypb.Empty, opts ...gogrpc.CallOption) (*LockInfoResponse, error)
}

type lockServiceClient struct {
	cc gogrpc.ClientConnInterface
}

// NewLockServiceClient creates a client over cc.
func NewLockServiceClient(cc gogrpc.ClientConnInterface) LockServiceClient {
	return &lockServiceClient{cc: cc}
}

func (c *lockServiceClient) Lock(ctx context.Context, in *LockRequest, opts ...gogrpc.CallOption) (*LockResponse, error) {
	out := new(LockResponse)
	opts = append([]gogrpc.CallOption{gogrpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, LockServiceLockMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *lockServiceClient) GetLockInfo(ctx context.Context, in *emptypb.Empty, opts ...gogrpc.CallOption) (*LockInfoResponse, error) {
	out := new(LockInfoResponse)
	opts = append([]gogrpc.CallOption{gogrpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, LockServiceGetInfoMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
