package mux

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

const (
	acceptBacklog = 1024
	// large enough for the default TLS record size so one frame rarely
	// spans two transport reads
	defaultMaxFrameBodySize = 16384
)

type SessionConfig struct {
	// Valve is used to limit transmission rates, and record usage. Nil
	// means unlimited.
	Valve *Valve

	// Client marks the side that dialed the transport. The dialing side
	// allocates odd stream identifiers, the listening side even ones, so
	// simultaneous opens from both peers can never collide.
	Client bool

	// OnIncomingStream, if set, is invoked from the read loop for every
	// stream the peer opens, and Accept is disabled. It must not block:
	// the session reads no further frames until it returns.
	OnIncomingStream func(*Stream)

	// OnStreamEnd is invoked exactly once per stream at the moment it
	// becomes fully closed or reset, before its registry entry is retired.
	OnStreamEnd func(*Stream)

	// the max size a piece of data can fit into a Frame.Payload
	MaxFrameBodySize int

	// KeepaliveInterval, if positive, emits keepalive frames at that
	// period so idle transports are not dropped by middleboxes
	KeepaliveInterval time.Duration

	// InactivityTimeout, if positive, closes a session that has had no
	// active streams for that duration
	InactivityTimeout time.Duration

	// Clock abstracts timers for tests. Nil means the wall clock.
	Clock clock.Clock
}

// A Session multiplexes many logical streams over exactly one underlying
// ordered, reliable, full-duplex transport. It owns the transport: one
// read-loop goroutine demultiplexes inbound frames to streams, and writes
// from all streams are serialised through the session onto the transport.
type Session struct {
	SessionConfig

	transport io.ReadWriteCloser
	// connReader's buffer is large enough to hold a whole frame, which
	// also keeps message-oriented transports like websocket happy
	connReader *bufio.Reader

	codec frameCodec

	// atomic
	nextStreamID uint32

	// atomic
	activeStreamCount uint32

	streamsM sync.Mutex
	streams  *registry
	// for accepting new streams when no OnIncomingStream is configured
	acceptCh chan *Stream

	// guards the transport's write side so one stream's frame is fully
	// emitted before another's begins
	writingM sync.Mutex
	writeBuf []byte

	clock clock.Clock

	// Used for LocalAddr() and RemoteAddr() etc.
	addrs atomic.Value

	closed uint32

	terminalMsgSetter sync.Once
	terminalMsg       string

	maxFrameBodySize int
}

// NewSession binds a session to an established transport and starts its
// read loop. The transport is treated as already connected, ordered and
// reliable; the session assumes exclusive ownership and closes it on
// teardown.
func NewSession(transport io.ReadWriteCloser, config SessionConfig) *Session {
	sesh := &Session{
		SessionConfig: config,
		transport:     transport,
		streams:       newRegistry(),
		acceptCh:      make(chan *Stream, acceptBacklog),
	}
	if config.Valve == nil {
		sesh.Valve = UnlimitedValve
	}
	if config.MaxFrameBodySize <= 0 {
		sesh.MaxFrameBodySize = defaultMaxFrameBodySize
	}
	if config.Clock == nil {
		sesh.Clock = clock.New()
	}
	sesh.clock = sesh.Clock
	sesh.maxFrameBodySize = sesh.MaxFrameBodySize
	sesh.codec = frameCodec{maxBodyLen: sesh.maxFrameBodySize}
	sesh.writeBuf = make([]byte, frameHeaderLength+sesh.maxFrameBodySize)
	sesh.connReader = bufio.NewReaderSize(transport, frameHeaderLength+sesh.maxFrameBodySize)

	if sesh.Client {
		sesh.nextStreamID = 1
	} else {
		sesh.nextStreamID = 2
	}

	sesh.addrs.Store([]net.Addr{nil, nil})
	if c, ok := transport.(net.Conn); ok {
		sesh.addrs.Store([]net.Addr{c.LocalAddr(), c.RemoteAddr()})
	}

	go sesh.readLoop()
	if sesh.KeepaliveInterval > 0 {
		go sesh.keepalive()
	}
	if sesh.InactivityTimeout > 0 {
		sesh.clock.AfterFunc(sesh.InactivityTimeout, sesh.checkTimeout)
	}
	return sesh
}

func (sesh *Session) streamCountIncr() uint32 {
	return atomic.AddUint32(&sesh.activeStreamCount, 1)
}
func (sesh *Session) streamCountDecr() uint32 {
	return atomic.AddUint32(&sesh.activeStreamCount, ^uint32(0))
}
func (sesh *Session) streamCount() uint32 {
	return atomic.LoadUint32(&sesh.activeStreamCount)
}

// OpenStream is similar to net.Dial. It opens up a new stream and announces
// it to the peer straight away.
func (sesh *Session) OpenStream() (*Stream, error) {
	if sesh.IsClosed() {
		return nil, ErrSessionClosed
	}
	id := atomic.AddUint32(&sesh.nextStreamID, 2) - 2
	stream := makeStream(sesh, id)
	sesh.streamsM.Lock()
	if sesh.IsClosed() {
		sesh.streamsM.Unlock()
		return nil, ErrSessionClosed
	}
	sesh.streams.add(stream)
	sesh.streamsM.Unlock()
	sesh.streamCountIncr()
	if err := sesh.sendFrame(&Frame{StreamID: id, Kind: frameOpen}); err != nil {
		return nil, err
	}
	log.Tracef("stream %v opened", id)
	return stream, nil
}

// Accept is similar to net.Listener's Accept(). It blocks and returns an
// incoming stream. It only works when no OnIncomingStream callback is
// configured, which consumes incoming streams instead.
func (sesh *Session) Accept() (*Stream, error) {
	if sesh.IsClosed() {
		return nil, ErrSessionClosed
	}
	stream := <-sesh.acceptCh
	if stream == nil {
		return nil, ErrSessionClosed
	}
	log.Tracef("stream %v accepted", stream.id)
	return stream, nil
}

// Streams returns the currently open streams in the order they were
// registered.
func (sesh *Session) Streams() []*Stream {
	sesh.streamsM.Lock()
	defer sesh.streamsM.Unlock()
	return sesh.streams.live()
}

// sendFrame serialises one frame onto the transport. All frame emission
// goes through here so concurrent writers on different streams cannot
// corrupt frame boundaries.
func (sesh *Session) sendFrame(f *Frame) error {
	if sesh.IsClosed() {
		if f.Kind == frameData {
			return ErrStreamReset
		}
		return ErrSessionClosed
	}
	sesh.Valve.txWait(len(f.Payload))
	sesh.writingM.Lock()
	n, err := sesh.codec.encode(f, sesh.writeBuf)
	if err == nil {
		_, err = sesh.transport.Write(sesh.writeBuf[:n])
	}
	sesh.writingM.Unlock()
	if err != nil {
		sesh.SetTerminalMsg("failed to send to remote: " + err.Error())
		_ = sesh.passiveClose()
		return fmt.Errorf("sending %v frame: %v: %w", kindName(f.Kind), err, ErrTransportFailure)
	}
	sesh.Valve.AddTx(int64(n))
	return nil
}

// readLoop is the sole consumer of the transport's inbound byte stream.
func (sesh *Session) readLoop() {
	var frame Frame
	body := make([]byte, sesh.maxFrameBodySize)
	for {
		if err := sesh.codec.decode(sesh.connReader, &frame, body); err != nil {
			if errors.Is(err, ErrProtocolViolation) {
				sesh.SetTerminalMsg("malformed frame from peer: " + err.Error())
				_ = sesh.Close()
			} else {
				sesh.SetTerminalMsg("transport closed: " + err.Error())
				_ = sesh.passiveClose()
			}
			return
		}
		sesh.Valve.rxWait(len(frame.Payload))
		sesh.Valve.AddRx(int64(frameHeaderLength + len(frame.Payload)))

		err := sesh.dispatch(&frame)
		if err != nil {
			if errors.Is(err, ErrProtocolViolation) {
				log.Errorf("peer broke the framing protocol: %v", err)
				sesh.SetTerminalMsg(err.Error())
				_ = sesh.Close()
			}
			return
		}
	}
}

// dispatch applies one decoded frame: lifecycle frames drive stream state
// transitions, data frames land in the target stream's inbound queue. A
// non-nil return terminates the read loop.
func (sesh *Session) dispatch(f *Frame) error {
	if f.Kind == frameKeepalive {
		log.Tracef("received keepalive")
		return nil
	}
	if f.Kind == frameSessionClose {
		sesh.SetTerminalMsg("received a closing notification from peer")
		_ = sesh.passiveClose()
		return ErrSessionClosed
	}

	if f.Kind == frameOpen {
		stream := makeStream(sesh, f.StreamID)
		sesh.streamsM.Lock()
		if sesh.IsClosed() {
			sesh.streamsM.Unlock()
			return ErrSessionClosed
		}
		if _, known := sesh.streams.get(f.StreamID); known {
			sesh.streamsM.Unlock()
			return fmt.Errorf("duplicate open for stream %v: %w", f.StreamID, ErrProtocolViolation)
		}
		sesh.streams.add(stream)
		if sesh.OnIncomingStream == nil {
			sesh.acceptCh <- stream
		}
		sesh.streamsM.Unlock()
		sesh.streamCountIncr()
		log.Tracef("stream %v opened by peer", f.StreamID)
		if sesh.OnIncomingStream != nil {
			sesh.OnIncomingStream(stream)
		}
		return nil
	}

	sesh.streamsM.Lock()
	stream, known := sesh.streams.get(f.StreamID)
	sesh.streamsM.Unlock()

	if stream == nil {
		if f.Kind == frameData {
			// a data frame racing with our close of the stream, or for an
			// identifier we never knew. Both are dropped silently
			log.Tracef("dropping %v bytes for unknown stream %v", len(f.Payload), f.StreamID)
			return nil
		}
		if known {
			// lifecycle frame for a stream that has since been retired,
			// benign race with our own close
			return nil
		}
		return fmt.Errorf("%v frame for unknown stream %v: %w", kindName(f.Kind), f.StreamID, ErrProtocolViolation)
	}

	switch f.Kind {
	case frameData:
		stream.recvData(f.Payload)
	case frameCloseWrite:
		stream.peerCloseWrite()
	case frameCloseRead:
		stream.peerCloseRead()
	case frameClose:
		stream.peerClose()
	case frameReset:
		stream.peerReset()
	}
	return nil
}

// endStream is the single place a stream is retired: it fires OnStreamEnd
// exactly once, then removes the registry entry. Reachable from both
// half-close paths, reset, and session teardown without double-firing.
func (sesh *Session) endStream(s *Stream) {
	if !atomic.CompareAndSwapUint32(&s.ended, 0, 1) {
		return
	}
	s.markEnded(sesh.clock.Now())
	if sesh.OnStreamEnd != nil {
		sesh.OnStreamEnd(s)
	}
	sesh.streamsM.Lock()
	sesh.streams.retire(s.id)
	sesh.streamsM.Unlock()
	log.Tracef("stream %v ended", s.id)
	if sesh.streamCountDecr() == 0 && sesh.InactivityTimeout > 0 && !sesh.IsClosed() {
		sesh.clock.AfterFunc(sesh.InactivityTimeout, sesh.checkTimeout)
	}
}

func (sesh *Session) SetTerminalMsg(msg string) {
	sesh.terminalMsgSetter.Do(func() {
		log.Debug("terminal message set to " + msg)
		sesh.terminalMsg = msg
	})
}

// TerminalMsg returns the recorded cause of teardown, or "" while the
// session is live.
func (sesh *Session) TerminalMsg() string {
	return sesh.terminalMsg
}

// closeSession force-resets every remaining stream. Each of them fires
// OnStreamEnd; pending Reads resolve and in-flight Writes fail rather than
// hang.
func (sesh *Session) closeSession() error {
	if !atomic.CompareAndSwapUint32(&sesh.closed, 0, 1) {
		return fmt.Errorf("%w: %v", errRepeatSessionClosing, sesh.terminalMsg)
	}
	sesh.streamsM.Lock()
	close(sesh.acceptCh)
	remaining := sesh.streams.live()
	sesh.streamsM.Unlock()
	for _, stream := range remaining {
		stream.terminate()
	}
	return nil
}

func (sesh *Session) passiveClose() error {
	if err := sesh.closeSession(); err != nil {
		return err
	}
	_ = sesh.transport.Close()
	log.Debugf("session closed: %v", sesh.terminalMsg)
	return nil
}

// Close tears the session down: it notifies the peer, force-resets every
// remaining stream and closes the transport.
func (sesh *Session) Close() error {
	sesh.SetTerminalMsg("actively closed")
	if err := sesh.closeSession(); err != nil {
		return err
	}
	// best effort notice to the peer; the transport may already be dead
	sesh.writingM.Lock()
	n, err := sesh.codec.encode(&Frame{Kind: frameSessionClose}, sesh.writeBuf)
	if err == nil {
		_, err = sesh.transport.Write(sesh.writeBuf[:n])
	}
	sesh.writingM.Unlock()
	if err != nil {
		log.Debugf("could not notify peer of session close: %v", err)
	}
	_ = sesh.transport.Close()
	log.Debugf("session closed: %v", sesh.terminalMsg)
	return nil
}

func (sesh *Session) IsClosed() bool {
	return atomic.LoadUint32(&sesh.closed) == 1
}

func (sesh *Session) checkTimeout() {
	if sesh.streamCount() == 0 && !sesh.IsClosed() {
		sesh.SetTerminalMsg("timeout")
		_ = sesh.Close()
	}
}

func (sesh *Session) keepalive() {
	ticker := sesh.clock.Ticker(sesh.KeepaliveInterval)
	defer ticker.Stop()
	for range ticker.C {
		if sesh.IsClosed() {
			return
		}
		if err := sesh.sendFrame(&Frame{Kind: frameKeepalive}); err != nil {
			return
		}
	}
}

func (sesh *Session) Addr() net.Addr       { return sesh.addrs.Load().([]net.Addr)[0] }
func (sesh *Session) RemoteAddr() net.Addr { return sesh.addrs.Load().([]net.Addr)[1] }
