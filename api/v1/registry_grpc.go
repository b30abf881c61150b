package v1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully-qualified gRPC service name, used both in
// the ServiceDesc below and by callers constructing method_path values
// that target this gateway's own Register/EstablishConnection methods.
const ServiceName = "registry.RegistryService"

// RegistryServiceClient is the client API for RegistryService, shaped
// the way protoc-gen-go-grpc emits a service client.
type RegistryServiceClient interface {
	Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	EstablishConnection(ctx context.Context, opts ...grpc.CallOption) (RegistryService_EstablishConnectionClient, error)
}

type registryServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewRegistryServiceClient constructs a client bound to cc. Callers
// should dial with grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName))
// or otherwise ensure the json codec above is selected.
func NewRegistryServiceClient(cc grpc.ClientConnInterface) RegistryServiceClient {
	return &registryServiceClient{cc: cc}
}

func (c *registryServiceClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/Register", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *registryServiceClient) EstablishConnection(ctx context.Context, opts ...grpc.CallOption) (RegistryService_EstablishConnectionClient, error) {
	stream, err := c.cc.NewStream(ctx, &registryServiceServiceDesc.Streams[0], "/"+ServiceName+"/EstablishConnection", opts...)
	if err != nil {
		return nil, err
	}
	return &registryServiceEstablishConnectionClient{stream}, nil
}

// RegistryService_EstablishConnectionClient is the backend-side handle
// on the bidirectional stream.
type RegistryService_EstablishConnectionClient interface {
	Send(*ConnectionMessage) error
	Recv() (*ConnectionMessage, error)
	grpc.ClientStream
}

type registryServiceEstablishConnectionClient struct {
	grpc.ClientStream
}

func (x *registryServiceEstablishConnectionClient) Send(m *ConnectionMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *registryServiceEstablishConnectionClient) Recv() (*ConnectionMessage, error) {
	m := new(ConnectionMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegistryServiceServer is the server API for RegistryService.
type RegistryServiceServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	EstablishConnection(RegistryService_EstablishConnectionServer) error
}

// UnimplementedRegistryServiceServer may be embedded to get forward
// compatibility, matching the protoc-gen-go-grpc convention.
type UnimplementedRegistryServiceServer struct{}

func (UnimplementedRegistryServiceServer) Register(context.Context, *RegisterRequest) (*RegisterResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Register not implemented")
}

func (UnimplementedRegistryServiceServer) EstablishConnection(RegistryService_EstablishConnectionServer) error {
	return status.Error(codes.Unimplemented, "method EstablishConnection not implemented")
}

// RegistryService_EstablishConnectionServer is the gateway-side handle
// on the bidirectional stream.
type RegistryService_EstablishConnectionServer interface {
	Send(*ConnectionMessage) error
	Recv() (*ConnectionMessage, error)
	grpc.ServerStream
}

type registryServiceEstablishConnectionServer struct {
	grpc.ServerStream
}

func (x *registryServiceEstablishConnectionServer) Send(m *ConnectionMessage) error {
	return x.ServerStream.SendMsg(m)
}

func (x *registryServiceEstablishConnectionServer) Recv() (*ConnectionMessage, error) {
	m := new(ConnectionMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func registerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegistryServiceServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/Register",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RegistryServiceServer).Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func establishConnectionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RegistryServiceServer).EstablishConnection(&registryServiceEstablishConnectionServer{stream})
}

// RegisterRegistryServiceServer wires an implementation into a
// grpc.Server, mirroring the protoc-gen-go-grpc generated registration
// function.
func RegisterRegistryServiceServer(s grpc.ServiceRegistrar, srv RegistryServiceServer) {
	s.RegisterService(&registryServiceServiceDesc, srv)
}

var registryServiceServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RegistryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Register",
			Handler:    registerHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "EstablishConnection",
			Handler:       establishConnectionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "tunnelfabric/gateway/registry.proto",
}
