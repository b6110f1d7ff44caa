package transport

import (
	"fmt"

	"github.com/roasbeef/lattice/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype the envelope codec registers
// under. Streams opened with this subtype carry raw envelope frames with
// no protobuf descriptor in between.
const codecName = "lattice-envelope"

// envelopeCodec marshals envelopes straight through the wire codec so the
// gRPC layer never re-encodes what the envelope codec already framed.
type envelopeCodec struct{}

// Marshal implements encoding.Codec.
func (envelopeCodec) Marshal(v any) ([]byte, error) {
	env, ok := v.(*wire.Envelope)
	if !ok {
		return nil, fmt.Errorf("envelope codec cannot marshal %T", v)
	}

	return wire.EncodeEnvelope(env), nil
}

// Unmarshal implements encoding.Codec.
func (envelopeCodec) Unmarshal(data []byte, v any) error {
	env, ok := v.(*wire.Envelope)
	if !ok {
		return fmt.Errorf("envelope codec cannot unmarshal %T", v)
	}

	decoded, err := wire.DecodeEnvelope(data)
	if err != nil {
		return err
	}

	*env = *decoded

	return nil
}

// Name implements encoding.Codec.
func (envelopeCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(envelopeCodec{})
}

const (
	// serviceName is the fully qualified gRPC service the transport
	// exposes.
	serviceName = "lattice.v1.EnvelopeTransport"

	// streamMethod is the full method path of the bidi envelope stream.
	streamMethod = "/lattice.v1.EnvelopeTransport/EnvelopeStream"
)

// envelopeTransportServer is the server side of the envelope stream.
type envelopeTransportServer interface {
	EnvelopeStream(stream grpc.ServerStream) error
}

// envelopeStreamDesc describes the single bidirectional stream the
// transport runs between silo pairs.
var envelopeStreamDesc = grpc.StreamDesc{
	StreamName:    "EnvelopeStream",
	ServerStreams: true,
	ClientStreams: true,
}

// serviceDesc is the hand-rolled service descriptor. The wire contract is
// the envelope codec itself, so there is no generated protobuf stub to
// anchor this to.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*envelopeTransportServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "EnvelopeStream",
			Handler: func(srv any,
				stream grpc.ServerStream) error {

				server := srv.(envelopeTransportServer)
				return server.EnvelopeStream(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}
