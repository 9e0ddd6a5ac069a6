package iampb

import (
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// codecName is the grpc wire "content-subtype" this codec answers to.
const codecName = "cbor"

// cborCodec marshals the plain Go structs in this package the way
// internal/correlator already encodes RegisterNode frame payloads: as CBOR
// via fxamacker/cbor, not as protobuf. None of messages.go's types
// implement proto.Message (there is no .proto source for this system, see
// the package doc in messages.go), so grpc-go's built-in "proto" codec can never
// marshal them -- every grpc.NewServer/grpc.NewClient construction in this
// tree must force this codec instead of negotiating the default one.
type cborCodec struct{}

func (cborCodec) Marshal(v interface{}) ([]byte, error)      { return cbor.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v interface{}) error { return cbor.Unmarshal(data, v) }
func (cborCodec) Name() string                               { return codecName }

// Codec is the encoding.Codec every grpc.Server/grpc.ClientConn in this
// tree is built with, via grpc.ForceServerCodec(Codec) on the server side
// and grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec)) on the client
// side (internal/rpcserver.New, internal/agent.Agent.runOnce).
var Codec encoding.Codec = cborCodec{}

func init() {
	encoding.RegisterCodec(Codec)
}
