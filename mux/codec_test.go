package mux

import (
	"bufio"
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameCodec_RoundTrip(t *testing.T) {
	codec := frameCodec{maxBodyLen: 1024}
	buf := make([]byte, frameHeaderLength+1024)
	body := make([]byte, 1024)

	payload := make([]byte, 777)
	rand.Read(payload)
	in := Frame{StreamID: 42, Kind: frameData, Payload: payload}

	n, err := codec.encode(&in, buf)
	assert.NoError(t, err)
	assert.Equal(t, frameHeaderLength+len(payload), n)

	var out Frame
	err = codec.decode(bufio.NewReader(bytes.NewReader(buf[:n])), &out, body)
	assert.NoError(t, err)
	assert.Equal(t, in.StreamID, out.StreamID)
	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestFrameCodec_SelfDelimiting(t *testing.T) {
	codec := frameCodec{maxBodyLen: 1024}
	buf := make([]byte, frameHeaderLength+1024)
	var wire bytes.Buffer

	frames := []Frame{
		{StreamID: 1, Kind: frameOpen},
		{StreamID: 1, Kind: frameData, Payload: []byte("first")},
		{StreamID: 3, Kind: frameData, Payload: []byte("second")},
		{StreamID: 1, Kind: frameCloseWrite},
	}
	for i := range frames {
		n, err := codec.encode(&frames[i], buf)
		assert.NoError(t, err)
		wire.Write(buf[:n])
	}

	reader := bufio.NewReader(&wire)
	body := make([]byte, 1024)
	for i := range frames {
		var out Frame
		assert.NoError(t, codec.decode(reader, &out, body))
		assert.Equal(t, frames[i].StreamID, out.StreamID)
		assert.Equal(t, frames[i].Kind, out.Kind)
		assert.Equal(t, len(frames[i].Payload), len(out.Payload))
	}
	_, err := reader.ReadByte()
	assert.ErrorIs(t, err, io.EOF, "nothing may be left over")
}

func TestFrameCodec_RejectsOversizedBody(t *testing.T) {
	codec := frameCodec{maxBodyLen: 64}

	_, err := codec.encode(&Frame{Kind: frameData, Payload: make([]byte, 65)}, make([]byte, 256))
	assert.Error(t, err)

	// a length field larger than the limit is a protocol violation
	wire := make([]byte, frameHeaderLength)
	putU32(wire[0:4], 1)
	wire[4] = frameData
	putU32(wire[5:9], 65)
	var out Frame
	err = codec.decode(bufio.NewReader(bytes.NewReader(wire)), &out, make([]byte, 64))
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestFrameCodec_TruncatedFrame(t *testing.T) {
	codec := frameCodec{maxBodyLen: 64}
	buf := make([]byte, frameHeaderLength+64)
	n, err := codec.encode(&Frame{StreamID: 7, Kind: frameData, Payload: []byte("cut short")}, buf)
	assert.NoError(t, err)

	var out Frame
	err = codec.decode(bufio.NewReader(bytes.NewReader(buf[:n-3])), &out, make([]byte, 64))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
