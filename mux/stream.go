package mux

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Timeline records when a stream was opened and, once it is fully closed or
// reset, when it ended. Closed is the zero time while the stream is live.
type Timeline struct {
	Opened time.Time
	Closed time.Time
}

// Stream is one logical bidirectional byte channel multiplexed onto the
// session's transport. It implements net.Conn. The read and write halves
// close independently: CloseWrite ends the local write direction, CloseRead
// the local read direction, and the stream terminates once both are closed,
// or immediately upon Reset.
type Stream struct {
	id      uint32
	session *Session

	// inbound queue, written only by the session's read loop
	recvBuf *bufferedPipe

	// both atomic. Each covers its direction regardless of which side closed
	// it: writeClosed is set by CloseWrite locally and by the peer's
	// closeRead frame alike.
	readClosed  uint32
	writeClosed uint32

	// atomic, terminal
	reset uint32

	// atomic, set exactly once when the stream is fully closed or reset
	ended uint32

	// serialises Write against CloseWrite so data queued before the close
	// is flushed before the close frame goes out
	writingM sync.Mutex

	// atomic unix nanoseconds, 0 means no write deadline
	wDeadline int64

	timelineM sync.Mutex
	timeline  Timeline
}

func makeStream(sesh *Session, id uint32) *Stream {
	return &Stream{
		id:      id,
		session: sesh,
		recvBuf: newBufferedPipe(),
		timeline: Timeline{
			Opened: sesh.clock.Now(),
		},
	}
}

func (s *Stream) ID() uint32 { return s.id }

func (s *Stream) Timeline() Timeline {
	s.timelineM.Lock()
	defer s.timelineM.Unlock()
	return s.timeline
}

func (s *Stream) markEnded(at time.Time) {
	s.timelineM.Lock()
	s.timeline.Closed = at
	s.timelineM.Unlock()
}

func (s *Stream) isReset() bool { return atomic.LoadUint32(&s.reset) == 1 }

// Read yields inbound bytes in the order the peer wrote them. It returns
// io.EOF once the read half has closed and buffered data is drained, or
// ErrStreamReset if the stream was reset with data undelivered.
func (s *Stream) Read(buf []byte) (int, error) {
	return s.recvBuf.Read(buf)
}

// WriteTo drains the stream's inbound bytes into w until the read half
// closes. It satisfies io.WriterTo so io.Copy avoids an intermediate buffer.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	n, err := s.recvBuf.WriteTo(w)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// Write splits in into data frames of at most the session's frame body
// limit and queues them onto the transport. It blocks while the transport
// applies backpressure and fails once the write half is closed.
func (s *Stream) Write(in []byte) (n int, err error) {
	s.writingM.Lock()
	defer s.writingM.Unlock()

	if s.isReset() {
		return 0, ErrStreamReset
	}
	if atomic.LoadUint32(&s.writeClosed) == 1 {
		return 0, ErrStreamClosedForWriting
	}

	f := Frame{
		StreamID: s.id,
		Kind:     frameData,
	}
	for n < len(in) {
		if deadline := atomic.LoadInt64(&s.wDeadline); deadline != 0 && time.Now().UnixNano() > deadline {
			return n, ErrTimeout
		}
		if s.isReset() {
			// raced with Reset; whatever remains of in is discarded
			return n, ErrStreamReset
		}
		chunk := in[n:]
		if len(chunk) > s.session.maxFrameBodySize {
			chunk = chunk[:s.session.maxFrameBodySize]
		}
		f.Payload = chunk
		if err = s.session.sendFrame(&f); err != nil {
			return n, err
		}
		n += len(chunk)
	}
	return n, nil
}

// CloseWrite closes the write half. Data already queued is flushed first;
// subsequent Writes fail with ErrStreamClosedForWriting. The read half is
// unaffected. Calling it again is a no-op.
func (s *Stream) CloseWrite() error {
	s.writingM.Lock()
	defer s.writingM.Unlock()

	if s.isReset() {
		return ErrStreamReset
	}
	if !atomic.CompareAndSwapUint32(&s.writeClosed, 0, 1) {
		return nil
	}
	log.Tracef("stream %v write half closed", s.id)
	err := s.session.sendFrame(&Frame{StreamID: s.id, Kind: frameCloseWrite})
	s.maybeEnd()
	return err
}

// CloseRead closes the read half. Buffered-but-unconsumed inbound data is
// discarded, subsequent Reads observe io.EOF, and the peer is told to stop
// sending. The stream remains writable. Calling it again is a no-op.
func (s *Stream) CloseRead() error {
	if s.isReset() {
		return ErrStreamReset
	}
	// discard even if the direction was already closed by the peer or by
	// Close, so buffered leftovers are freed either way
	s.recvBuf.Drop(io.EOF)
	if !atomic.CompareAndSwapUint32(&s.readClosed, 0, 1) {
		return nil
	}
	log.Tracef("stream %v read half closed", s.id)
	err := s.session.sendFrame(&Frame{StreamID: s.id, Kind: frameCloseRead})
	s.maybeEnd()
	return err
}

// Close closes both directions gracefully. Inbound data already buffered
// remains readable through this handle until io.EOF.
func (s *Stream) Close() error {
	s.writingM.Lock()
	defer s.writingM.Unlock()

	if s.isReset() {
		return nil
	}
	writeNew := atomic.CompareAndSwapUint32(&s.writeClosed, 0, 1)
	readNew := atomic.CompareAndSwapUint32(&s.readClosed, 0, 1)
	_ = s.recvBuf.Close()

	// tell the peer about whichever halves it has not heard about yet
	var err error
	switch {
	case writeNew && readNew:
		err = s.session.sendFrame(&Frame{StreamID: s.id, Kind: frameClose})
	case writeNew:
		err = s.session.sendFrame(&Frame{StreamID: s.id, Kind: frameCloseWrite})
	case readNew:
		err = s.session.sendFrame(&Frame{StreamID: s.id, Kind: frameCloseRead})
	}
	log.Tracef("stream %v actively closed", s.id)
	s.maybeEnd()
	return err
}

// Reset terminates the stream immediately in both directions, discarding
// buffered data, and tells the peer to do the same. Idempotent.
func (s *Stream) Reset() error {
	if !atomic.CompareAndSwapUint32(&s.reset, 0, 1) {
		return nil
	}
	atomic.StoreUint32(&s.readClosed, 1)
	atomic.StoreUint32(&s.writeClosed, 1)
	s.recvBuf.Drop(ErrStreamReset)
	log.Tracef("stream %v reset", s.id)
	// best effort: the transport may already be gone
	_ = s.session.sendFrame(&Frame{StreamID: s.id, Kind: frameReset})
	s.session.endStream(s)
	return nil
}

// maybeEnd retires the stream once both halves have closed.
func (s *Stream) maybeEnd() {
	if s.isReset() ||
		(atomic.LoadUint32(&s.readClosed) == 1 && atomic.LoadUint32(&s.writeClosed) == 1) {
		s.session.endStream(s)
	}
}

// terminate force-resets the stream without notifying the peer. Called by
// the session during teardown.
func (s *Stream) terminate() {
	atomic.StoreUint32(&s.reset, 1)
	atomic.StoreUint32(&s.readClosed, 1)
	atomic.StoreUint32(&s.writeClosed, 1)
	s.recvBuf.Drop(ErrStreamReset)
	s.session.endStream(s)
}

// The following are invoked by the session's read loop only.

func (s *Stream) recvData(payload []byte) {
	_, err := s.recvBuf.Write(payload)
	if err != nil {
		// data racing with a close of our read half, drop quietly
		log.Tracef("dropping %v bytes arriving after stream %v read close", len(payload), s.id)
	}
}

func (s *Stream) peerCloseWrite() {
	atomic.StoreUint32(&s.readClosed, 1)
	_ = s.recvBuf.Close()
	s.maybeEnd()
}

func (s *Stream) peerCloseRead() {
	atomic.StoreUint32(&s.writeClosed, 1)
	s.maybeEnd()
}

func (s *Stream) peerClose() {
	atomic.StoreUint32(&s.readClosed, 1)
	atomic.StoreUint32(&s.writeClosed, 1)
	_ = s.recvBuf.Close()
	s.maybeEnd()
}

func (s *Stream) peerReset() {
	if !atomic.CompareAndSwapUint32(&s.reset, 0, 1) {
		return
	}
	atomic.StoreUint32(&s.readClosed, 1)
	atomic.StoreUint32(&s.writeClosed, 1)
	s.recvBuf.Drop(ErrStreamReset)
	log.Tracef("stream %v reset by peer", s.id)
	s.session.endStream(s)
}

// net.Conn plumbing

func (s *Stream) LocalAddr() net.Addr  { return s.session.Addr() }
func (s *Stream) RemoteAddr() net.Addr { return s.session.RemoteAddr() }

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.recvBuf.SetReadDeadline(t)
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	if t.IsZero() {
		atomic.StoreInt64(&s.wDeadline, 0)
	} else {
		atomic.StoreInt64(&s.wDeadline, t.UnixNano())
	}
	return nil
}

func (s *Stream) SetDeadline(t time.Time) error {
	if err := s.SetReadDeadline(t); err != nil {
		return err
	}
	return s.SetWriteDeadline(t)
}
