package mux

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

var u32 = binary.BigEndian.Uint32
var putU32 = binary.BigEndian.PutUint32

const frameHeaderLength = 9

// frameCodec marshals frames into the fixed wire layout
// [StreamID:4][Kind:1][BodyLen:4][Body:BodyLen], all integers big-endian.
// The layout is self-delimiting over an ordered transport, so no
// resynchronisation is possible after a malformed frame.
type frameCodec struct {
	maxBodyLen int
}

// encode writes f into buf, which must be at least
// frameHeaderLength+len(f.Payload) bytes, and returns the number of bytes
// used.
func (c frameCodec) encode(f *Frame, buf []byte) (int, error) {
	if len(f.Payload) > c.maxBodyLen {
		return 0, fmt.Errorf("frame body of %v bytes exceeds the %v limit", len(f.Payload), c.maxBodyLen)
	}
	putU32(buf[0:4], f.StreamID)
	buf[4] = f.Kind
	putU32(buf[5:9], uint32(len(f.Payload)))
	copy(buf[frameHeaderLength:], f.Payload)
	return frameHeaderLength + len(f.Payload), nil
}

// decode reads the next frame from r into f. f.Payload aliases body and is
// only valid until the next call with the same body buffer.
func (c frameCodec) decode(r *bufio.Reader, f *Frame, body []byte) error {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	if header[4] > frameSessionClose {
		return fmt.Errorf("unknown frame kind %v: %w", header[4], ErrProtocolViolation)
	}
	bodyLen := int(u32(header[5:9]))
	if bodyLen > c.maxBodyLen {
		return fmt.Errorf("frame body of %v bytes exceeds the %v limit: %w", bodyLen, c.maxBodyLen, ErrProtocolViolation)
	}
	f.StreamID = u32(header[0:4])
	f.Kind = header[4]
	f.Payload = body[:bodyLen]
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return err
	}
	return nil
}
