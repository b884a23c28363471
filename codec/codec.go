// Package codec defines the pluggable payload serializer used to turn packet
// payloads and RPC arguments into bytes, and the numeric type identifiers that
// tag each payload type on the wire.
package codec

type CodecType byte

const (
	CodecTypeJSON  CodecType = 0
	CodecTypeProto CodecType = 1
)

// Codec serializes payloads. Implementations must be safe for concurrent use:
// one instance is shared by every connection of a participant.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Proto
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeProto {
		return &ProtoCodec{}
	}

	return &JSONCodec{}
}
