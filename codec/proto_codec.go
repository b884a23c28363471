package codec

import (
	"google.golang.org/protobuf/proto"
)

// ProtoCodec encodes values implementing proto.Message with protobuf and
// falls back to JSON for everything else, so the built-in packets keep
// working while application payloads and arguments travel as protobuf.
type ProtoCodec struct {
	fallback JSONCodec
}

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return c.fallback.Encode(v)
}

func (c *ProtoCodec) Decode(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	return c.fallback.Decode(data, v)
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}
