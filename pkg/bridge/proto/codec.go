package proto

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const CodecName = "json"

// jsonCodec carries bridge messages over gRPC as JSON instead of the
// protobuf wire format, since no protoc-generated descriptor-backed types
// exist in this repo. Registered globally; dial/serve both pick it up via
// the "json" content-subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
