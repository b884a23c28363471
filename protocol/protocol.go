// Package protocol implements the packet framing used on every connection.
//
// Packets are length-prefixed so the receiver can cut the TCP byte stream back
// into messages: it reads the fixed 8-byte header first, then exactly Length
// payload bytes.
//
// Packet format:
//
//	0         4         8
//	┌─────────┬─────────┬─────────────────┐
//	│ typeId  │ length  │   payload ...   │
//	│  int32  │  int32  │  length bytes   │
//	└─────────┴─────────┴─────────────────┘
//
// Both integers are big-endian (network byte order). There is no magic number
// and no checksum.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"

	"hyper-rpc/codec"
)

const (
	HeaderSize     = 8
	MaxPayloadSize = 16 << 20 // Upper bound on Length, guards against garbage headers
)

var (
	ErrInvalidPacket = errors.New("invalid packet")
	ErrTypeMismatch  = errors.New("packet type mismatch")
)

// FramingError reports a packet that could not be read in full. The packet is
// discarded; the connection that produced it stays usable.
type FramingError struct {
	Err error
}

func (e *FramingError) Error() string {
	return "framing error: " + e.Err.Error()
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// Packet is one framed message.
type Packet struct {
	TypeID  int32
	Length  int32
	Payload []byte
}

// IsValid reports whether the header agrees with the payload.
func (p *Packet) IsValid() bool {
	return p.TypeID != 0 && p.Length >= 0 && p.Length <= MaxPayloadSize && int(p.Length) == len(p.Payload)
}

// Size is the number of bytes the packet occupies on the wire.
func (p *Packet) Size() int {
	return HeaderSize + len(p.Payload)
}

// NewPacket serializes v with c and tags it with the type id of v.
func NewPacket(c codec.Codec, v any) (*Packet, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPacket)
	}
	payload, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrInvalidPacket, len(payload), MaxPayloadSize)
	}
	return &Packet{
		TypeID:  codec.TypeIDOf(v),
		Length:  int32(len(payload)),
		Payload: payload,
	}, nil
}

// Decode deserializes the payload into v, which must be a pointer to the
// type the packet was created from.
func (p *Packet) Decode(c codec.Codec, v any) error {
	if !p.IsValid() {
		return ErrInvalidPacket
	}
	if v == nil {
		return fmt.Errorf("%w: nil target", ErrInvalidPacket)
	}
	if id := codec.TypeIDOf(v); id != p.TypeID {
		return fmt.Errorf("%w: packet %d, target %s (%d)", ErrTypeMismatch, p.TypeID, codec.TypeName(reflect.TypeOf(v)), id)
	}
	return c.Decode(p.Payload, v)
}

// WritePacket writes a complete packet to w in a single Write call.
// The caller must serialize concurrent writers on the same stream, otherwise
// packets from different goroutines interleave and corrupt the stream.
func WritePacket(w io.Writer, p *Packet) error {
	if !p.IsValid() {
		return ErrInvalidPacket
	}
	buf := make([]byte, p.Size())
	binary.BigEndian.PutUint32(buf[0:4], uint32(p.TypeID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.Length))
	copy(buf[HeaderSize:], p.Payload)

	_, err := w.Write(buf)
	return err
}

// ReadPacket reads one packet from r.
//
// A stream that ends cleanly before the first header byte returns io.EOF.
// A header or payload cut short, a negative or oversized length and a zero
// type id all return a *FramingError.
func ReadPacket(r io.Reader) (*Packet, error) {
	header := make([]byte, HeaderSize)
	if n, err := io.ReadFull(r, header); err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &FramingError{Err: fmt.Errorf("read header: %w", err)}
	}

	typeID := int32(binary.BigEndian.Uint32(header[0:4]))
	length := int32(binary.BigEndian.Uint32(header[4:8]))
	if length < 0 {
		return nil, &FramingError{Err: fmt.Errorf("%w: length %d", ErrInvalidPacket, length)}
	}
	if length > MaxPayloadSize {
		// Skip the body so the next header starts where the sender put it.
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, &FramingError{Err: fmt.Errorf("skip oversized payload: %w", err)}
		}
		return nil, &FramingError{Err: fmt.Errorf("%w: length %d", ErrInvalidPacket, length)}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, &FramingError{Err: fmt.Errorf("read payload: %w", err)}
	}

	p := &Packet{TypeID: typeID, Length: length, Payload: payload}
	if !p.IsValid() {
		return nil, &FramingError{Err: fmt.Errorf("%w: type id %d", ErrInvalidPacket, typeID)}
	}
	return p, nil
}
