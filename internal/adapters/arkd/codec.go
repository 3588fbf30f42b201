package arkd

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered as a gRPC content-subtype so calls built with
// grpc.CallContentSubtype(jsonCodecName) marshal/unmarshal their request and
// response with encoding/json instead of protobuf; there is no generated
// protobuf stub for an Arkd-equivalent service, so the client speaks gRPC's
// wire framing with JSON payloads rather than hand-rolled protobuf types.
const jsonCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("arkd: json marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("arkd: json unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
