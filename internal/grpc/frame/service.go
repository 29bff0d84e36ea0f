package frame

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName  = "relay.v1.AgentRelay"
	StreamMethod = "/relay.v1.AgentRelay/Stream"
)

// AgentRelayServer is implemented by the relay's gRPC endpoint.
type AgentRelayServer interface {
	Stream(StreamServer) error
}

type StreamServer interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ServerStream
}

type StreamClient interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentRelayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func RegisterAgentRelayServer(s grpc.ServiceRegistrar, srv AgentRelayServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// NewStream opens the bidirectional relay stream on cc.
func NewStream(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (StreamClient, error) {
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], StreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &streamClient{ClientStream: stream}, nil
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(AgentRelayServer).Stream(&streamServer{ServerStream: stream})
}

type streamServer struct {
	grpc.ServerStream
}

func (x *streamServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func (x *streamServer) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type streamClient struct {
	grpc.ClientStream
}

func (x *streamClient) Send(m *structpb.Struct) error {
	return x.ClientStream.SendMsg(m)
}

func (x *streamClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
