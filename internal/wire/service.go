// ABOUTME: Hand-written gRPC service descriptor for the AgentControl Connect stream
// ABOUTME: Provides typed server and client stream wrappers over grpc.ServerStream/ClientStream

package wire

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "fleet.v1.AgentControl"

// ConnectMethod is the full method name of the Connect stream.
const ConnectMethod = "/" + ServiceName + "/Connect"

// AgentControlServer is implemented by the controller.
type AgentControlServer interface {
	Connect(stream ConnectServer) error
}

// ConnectServer is the server side of a Connect stream.
type ConnectServer interface {
	Send(*ServerMessage) error
	Recv() (*RunnerMessage, error)
	grpc.ServerStream
}

type connectServer struct {
	grpc.ServerStream
}

func (s *connectServer) Send(m *ServerMessage) error {
	return s.ServerStream.SendMsg(m)
}

func (s *connectServer) Recv() (*RunnerMessage, error) {
	m := new(RunnerMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentControlServer).Connect(&connectServer{stream})
}

// ServiceDesc describes the AgentControl service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentControlServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "fleet/v1/control",
}

// RegisterAgentControlServer registers srv with s.
func RegisterAgentControlServer(s grpc.ServiceRegistrar, srv AgentControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ConnectClient is the runner side of a Connect stream.
type ConnectClient interface {
	Send(*RunnerMessage) error
	Recv() (*ServerMessage, error)
	grpc.ClientStream
}

type connectClient struct {
	grpc.ClientStream
}

func (c *connectClient) Send(m *RunnerMessage) error {
	return c.ClientStream.SendMsg(m)
}

func (c *connectClient) Recv() (*ServerMessage, error) {
	m := new(ServerMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Connect opens a Connect stream on cc using the JSON codec.
func Connect(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (ConnectClient, error) {
	opts = append(CallOptions(), opts...)
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], ConnectMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &connectClient{stream}, nil
}
