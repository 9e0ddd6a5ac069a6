package iampb

import (
	"context"

	"google.golang.org/grpc"
)

// PublicNodesClient is the generated-style client stub the agent dials
// against to open the RegisterNode bidi stream on the main node.
type PublicNodesClient interface {
	RegisterNode(ctx context.Context, opts ...grpc.CallOption) (RegisterNodeClientStream, error)
}

// RegisterNodeClientStream is the client side of the bidi stream; the agent
// sends IAMOutgoingMessages (its own perspective matches the server's
// IAMOutgoingMessages type since the envelope is symmetric: whichever side
// is NOT the dispatcher emits node-info/response frames as "outgoing").
type RegisterNodeClientStream interface {
	Send(*IAMOutgoingMessages) error
	Recv() (*IAMIncomingMessages, error)
	grpc.ClientStream
}

type publicNodesClient struct {
	cc grpc.ClientConnInterface
}

// NewPublicNodesClient constructs a client stub over a *grpc.ClientConn,
// shaped like protoc-gen-go-grpc's NewXxxClient constructors.
func NewPublicNodesClient(cc grpc.ClientConnInterface) PublicNodesClient {
	return &publicNodesClient{cc: cc}
}

func (c *publicNodesClient) RegisterNode(ctx context.Context, opts ...grpc.CallOption) (RegisterNodeClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &publicNodesServiceDesc.Streams[1], "/iamanager.v5.IAMPublicNodesService/RegisterNode", opts...)
	if err != nil {
		return nil, err
	}
	return &registerNodeClientStream{stream}, nil
}

type registerNodeClientStream struct{ grpc.ClientStream }

func (s *registerNodeClientStream) Send(m *IAMOutgoingMessages) error { return s.ClientStream.SendMsg(m) }
func (s *registerNodeClientStream) Recv() (*IAMIncomingMessages, error) {
	m := new(IAMIncomingMessages)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
