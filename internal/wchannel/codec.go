package wchannel

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// envelopeCodec is a grpc/encoding.Codec that marshals Go values (here,
// always a protocol.Envelope) as JSON instead of protobuf wire format. It
// lets GRPCChannel run a real gRPC service without a protoc-generated
// message type: the client selects it per-call via
// grpc.CallContentSubtype(envelopeCodecName), and grpc-go's content-subtype
// negotiation picks the matching codec on the server side automatically.
type envelopeCodec struct{}

const envelopeCodecName = "envelopejson"

func (envelopeCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (envelopeCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (envelopeCodec) Name() string { return envelopeCodecName }

func init() {
	encoding.RegisterCodec(envelopeCodec{})
}
