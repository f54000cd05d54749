package mux

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cbeuw/connutil"
	"github.com/stretchr/testify/assert"
)

func TestSession_OnIncomingStream(t *testing.T) {
	incoming := make(chan *Stream, 1)
	clientSession, _, _ := makeSessionPair(SessionConfig{}, SessionConfig{
		OnIncomingStream: func(stream *Stream) {
			incoming <- stream
		},
	})

	local, err := clientSession.OpenStream()
	assert.NoError(t, err)

	select {
	case stream := <-incoming:
		assert.Equal(t, local.ID(), stream.ID())
	case <-time.After(time.Second):
		t.Fatal("OnIncomingStream was not invoked")
	}
}

func TestSession_StreamIDParity(t *testing.T) {
	clientSession, serverSession, _ := makeSessionPair(SessionConfig{}, SessionConfig{})

	c1, _ := clientSession.OpenStream()
	c2, _ := clientSession.OpenStream()
	assert.EqualValues(t, 1, c1.ID())
	assert.EqualValues(t, 3, c2.ID())

	s1, _ := serverSession.OpenStream()
	assert.EqualValues(t, 2, s1.ID())
}

func TestSession_StreamsEnumerationOrder(t *testing.T) {
	clientSession, serverSession, _ := makeSessionPair(SessionConfig{}, SessionConfig{})
	defer clientSession.Close()
	_ = serverSession

	first, _ := clientSession.OpenStream()
	second, _ := clientSession.OpenStream()
	third, _ := clientSession.OpenStream()

	ids := func() (out []uint32) {
		for _, s := range clientSession.Streams() {
			out = append(out, s.ID())
		}
		return
	}
	assert.Equal(t, []uint32{first.ID(), second.ID(), third.ID()}, ids())

	assert.NoError(t, second.Reset())
	assert.Equal(t, []uint32{first.ID(), third.ID()}, ids())
}

func TestSession_ProtocolViolation(t *testing.T) {
	codec := frameCodec{maxBodyLen: defaultMaxFrameBodySize}
	buf := make([]byte, frameHeaderLength+defaultMaxFrameBodySize)

	t.Run("control frame for unknown stream", func(t *testing.T) {
		local, raw := connutil.AsyncPipe()
		sesh := NewSession(local, SessionConfig{})
		n, err := codec.encode(&Frame{StreamID: 99, Kind: frameCloseWrite}, buf)
		assert.NoError(t, err)
		_, err = raw.Write(buf[:n])
		assert.NoError(t, err)

		assert.Eventually(t, sesh.IsClosed, time.Second, 10*time.Millisecond)
		assert.Contains(t, sesh.TerminalMsg(), "unknown stream")
	})

	t.Run("unknown frame kind", func(t *testing.T) {
		local, raw := connutil.AsyncPipe()
		sesh := NewSession(local, SessionConfig{})
		n, err := codec.encode(&Frame{StreamID: 1, Kind: frameOpen}, buf)
		assert.NoError(t, err)
		buf[4] = 0xff
		_, err = raw.Write(buf[:n])
		assert.NoError(t, err)

		assert.Eventually(t, sesh.IsClosed, time.Second, 10*time.Millisecond)
		assert.Contains(t, sesh.TerminalMsg(), "malformed frame")
	})

	t.Run("data frame for unknown stream is dropped", func(t *testing.T) {
		local, raw := connutil.AsyncPipe()
		sesh := NewSession(local, SessionConfig{})
		n, err := codec.encode(&Frame{StreamID: 99, Kind: frameData, Payload: []byte("stray")}, buf)
		assert.NoError(t, err)
		_, err = raw.Write(buf[:n])
		assert.NoError(t, err)

		// benign race with a concurrent close: the session stays up
		time.Sleep(100 * time.Millisecond)
		assert.False(t, sesh.IsClosed())
	})

	t.Run("duplicate open", func(t *testing.T) {
		local, raw := connutil.AsyncPipe()
		sesh := NewSession(local, SessionConfig{OnIncomingStream: func(*Stream) {}})
		n, _ := codec.encode(&Frame{StreamID: 2, Kind: frameOpen}, buf)
		_, _ = raw.Write(buf[:n])
		_, _ = raw.Write(buf[:n])

		assert.Eventually(t, sesh.IsClosed, time.Second, 10*time.Millisecond)
		assert.Contains(t, sesh.TerminalMsg(), "duplicate open")
	})
}

func TestSession_PeerSessionClose(t *testing.T) {
	clientSession, serverSession, _ := makeSessionPair(SessionConfig{}, SessionConfig{})
	stream, err := clientSession.OpenStream()
	assert.NoError(t, err)

	assert.NoError(t, serverSession.Close())

	assert.Eventually(t, clientSession.IsClosed, time.Second, 10*time.Millisecond)
	assert.Contains(t, clientSession.TerminalMsg(), "closing notification")
	_, err = stream.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrStreamReset)
}

func TestSession_Keepalive(t *testing.T) {
	valve := MakeValve(1<<40, 1<<40)
	clientSession, serverSession, _ := makeSessionPair(SessionConfig{
		Valve:             valve,
		KeepaliveInterval: 10 * time.Millisecond,
	}, SessionConfig{})

	assert.Eventually(t, func() bool {
		return valve.GetTx() >= 3*frameHeaderLength
	}, time.Second, 10*time.Millisecond, "keepalive frames should be flowing")

	// the receiver must discount them entirely
	time.Sleep(50 * time.Millisecond)
	assert.False(t, serverSession.IsClosed())
	assert.Empty(t, serverSession.Streams())
	assert.NoError(t, clientSession.Close())
}

func TestSession_InactivityTimeout(t *testing.T) {
	mock := clock.NewMock()
	hole := connutil.Discard()
	sesh := NewSession(hole, SessionConfig{
		Client:            true,
		InactivityTimeout: 30 * time.Second,
		Clock:             mock,
	})

	mock.Add(29 * time.Second)
	assert.False(t, sesh.IsClosed())

	mock.Add(2 * time.Second)
	assert.True(t, sesh.IsClosed())
	assert.Equal(t, "timeout", sesh.TerminalMsg())
}

func TestSession_InactivityTimeoutHeldOffByStreams(t *testing.T) {
	mock := clock.NewMock()
	hole := connutil.Discard()
	sesh := NewSession(hole, SessionConfig{
		Client:            true,
		InactivityTimeout: 30 * time.Second,
		Clock:             mock,
	})

	stream, err := sesh.OpenStream()
	assert.NoError(t, err)

	mock.Add(31 * time.Second)
	assert.False(t, sesh.IsClosed(), "a session with an active stream must not time out")

	assert.NoError(t, stream.Reset())
	mock.Add(31 * time.Second)
	assert.True(t, sesh.IsClosed())
}

// exercise the decoder against a session whose peer writes partial frames
func TestSession_SlowFrameArrival(t *testing.T) {
	local, raw := connutil.AsyncPipe()
	sesh := NewSession(local, SessionConfig{})
	defer sesh.Close()

	codec := frameCodec{maxBodyLen: defaultMaxFrameBodySize}
	buf := make([]byte, frameHeaderLength+defaultMaxFrameBodySize)
	n, err := codec.encode(&Frame{StreamID: 2, Kind: frameOpen}, buf)
	assert.NoError(t, err)

	// drip the frame one byte at a time
	for i := 0; i < n; i++ {
		_, err = raw.Write(buf[i : i+1])
		assert.NoError(t, err)
	}
	stream, err := sesh.Accept()
	assert.NoError(t, err)
	assert.EqualValues(t, 2, stream.ID())
}

func TestSession_BufioSizedForWholeFrame(t *testing.T) {
	sesh := NewSession(connutil.Discard(), SessionConfig{Client: true, MaxFrameBodySize: 1024})
	defer sesh.Close()
	assert.GreaterOrEqual(t, sesh.connReader.Size(), frameHeaderLength+1024)
}
