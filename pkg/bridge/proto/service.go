package proto

import (
	"context"

	"google.golang.org/grpc"
)

// InvokerServer is implemented by the bridge host to answer unary calls
// dispatched onto local handler modules.
type InvokerServer interface {
	Invoke(context.Context, *InvokeRequest) (*InvokeResponse, error)
}

// InvokerClient is implemented by the dial-side connection cache.
type InvokerClient interface {
	Invoke(ctx context.Context, in *InvokeRequest, opts ...grpc.CallOption) (*InvokeResponse, error)
}

type invokerClient struct {
	cc *grpc.ClientConn
}

// NewInvokerClient wraps cc as an InvokerClient.
func NewInvokerClient(cc *grpc.ClientConn) InvokerClient {
	return &invokerClient{cc: cc}
}

func (c *invokerClient) Invoke(ctx context.Context, in *InvokeRequest, opts ...grpc.CallOption) (*InvokeResponse, error) {
	out := new(InvokeResponse)
	if err := c.cc.Invoke(ctx, "/bridge.Invoker/Invoke", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func invokerInvokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(InvokeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InvokerServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/bridge.Invoker/Invoke"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InvokerServer).Invoke(ctx, req.(*InvokeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// InvokerServiceDesc is the hand-authored equivalent of protoc's generated
// ServiceDesc for the Invoker service.
var InvokerServiceDesc = grpc.ServiceDesc{
	ServiceName: "bridge.Invoker",
	HandlerType: (*InvokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokerInvokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bridge.proto",
}

// RegisterInvokerServer registers srv on s under the Invoker service.
func RegisterInvokerServer(s *grpc.Server, srv InvokerServer) {
	s.RegisterService(&InvokerServiceDesc, srv)
}

// ControlPlaneServer is implemented by the bridge host to answer the
// handler->host bidi callback stream.
type ControlPlaneServer interface {
	Connect(ControlPlane_ConnectServer) error
}

// ControlPlane_ConnectServer is the server side of the Connect bidi stream.
type ControlPlane_ConnectServer interface {
	Send(*ControlReply) error
	Recv() (*ControlMessage, error)
	grpc.ServerStream
}

type controlPlaneConnectServer struct {
	grpc.ServerStream
}

func (x *controlPlaneConnectServer) Send(m *ControlReply) error {
	return x.ServerStream.SendMsg(m)
}

func (x *controlPlaneConnectServer) Recv() (*ControlMessage, error) {
	m := new(ControlMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func controlPlaneConnectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ControlPlaneServer).Connect(&controlPlaneConnectServer{ServerStream: stream})
}

// ControlPlaneServiceDesc is the hand-authored equivalent of protoc's
// generated ServiceDesc for the ControlPlane service.
var ControlPlaneServiceDesc = grpc.ServiceDesc{
	ServiceName: "bridge.ControlPlane",
	HandlerType: (*ControlPlaneServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       controlPlaneConnectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "bridge.proto",
}

// RegisterControlPlaneServer registers srv on s under the ControlPlane
// service.
func RegisterControlPlaneServer(s *grpc.Server, srv ControlPlaneServer) {
	s.RegisterService(&ControlPlaneServiceDesc, srv)
}

// ControlPlaneClient is implemented by the handler side of the control
// plane connection.
type ControlPlaneClient interface {
	Connect(ctx context.Context, opts ...grpc.CallOption) (ControlPlane_ConnectClient, error)
}

type controlPlaneClient struct {
	cc *grpc.ClientConn
}

// NewControlPlaneClient wraps cc as a ControlPlaneClient.
func NewControlPlaneClient(cc *grpc.ClientConn) ControlPlaneClient {
	return &controlPlaneClient{cc: cc}
}

func (c *controlPlaneClient) Connect(ctx context.Context, opts ...grpc.CallOption) (ControlPlane_ConnectClient, error) {
	stream, err := c.cc.NewStream(ctx, &ControlPlaneServiceDesc.Streams[0], "/bridge.ControlPlane/Connect", opts...)
	if err != nil {
		return nil, err
	}
	return &controlPlaneConnectClient{ClientStream: stream}, nil
}

// ControlPlane_ConnectClient is the client side of the Connect bidi stream.
type ControlPlane_ConnectClient interface {
	Send(*ControlMessage) error
	Recv() (*ControlReply, error)
	grpc.ClientStream
}

type controlPlaneConnectClient struct {
	grpc.ClientStream
}

func (x *controlPlaneConnectClient) Send(m *ControlMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *controlPlaneConnectClient) Recv() (*ControlReply, error) {
	m := new(ControlReply)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
