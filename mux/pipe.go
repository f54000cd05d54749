// This is based on https://github.com/golang/go/blob/0436b162397018c45068b47ca1b5924a3eafdee0/src/net/net_fake.go#L173

package mux

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// receiving more than this amount of unconsumed data on one stream stalls
// the session's read loop, which in turn backpressures the transport
const recvBufferSizeLimit = 1 << 20

// bufferedPipe is a stream's inbound queue. Read blocks until data is
// available. Close keeps buffered data readable and delivers io.EOF once it
// is drained; Drop discards buffered data and makes reads fail immediately.
type bufferedPipe struct {
	// only alloc when on first Read or Write
	buf *bytes.Buffer

	closed    bool
	dropErr   error
	rwCond    *sync.Cond
	rDeadline time.Time
}

func newBufferedPipe() *bufferedPipe {
	return &bufferedPipe{
		rwCond: sync.NewCond(&sync.Mutex{}),
	}
}

func (p *bufferedPipe) Read(target []byte) (int, error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		p.buf = new(bytes.Buffer)
	}
	for {
		if p.dropErr != nil {
			return 0, p.dropErr
		}
		if p.closed && p.buf.Len() == 0 {
			return 0, io.EOF
		}
		if !p.rDeadline.IsZero() {
			d := time.Until(p.rDeadline)
			if d <= 0 {
				return 0, ErrTimeout
			}
			time.AfterFunc(d, p.rwCond.Broadcast)
		}
		if p.buf.Len() > 0 {
			break
		}
		p.rwCond.Wait()
	}
	n, err := p.buf.Read(target)
	// err will always be nil because we have already verified that buf.Len() != 0
	p.rwCond.Broadcast()
	return n, err
}

func (p *bufferedPipe) WriteTo(w io.Writer) (n int64, err error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		p.buf = new(bytes.Buffer)
	}
	for {
		if p.dropErr != nil {
			return n, p.dropErr
		}
		if p.closed && p.buf.Len() == 0 {
			return n, io.EOF
		}
		if !p.rDeadline.IsZero() {
			d := time.Until(p.rDeadline)
			if d <= 0 {
				return n, ErrTimeout
			}
			time.AfterFunc(d, p.rwCond.Broadcast)
		}
		if p.buf.Len() > 0 {
			written, er := p.buf.WriteTo(w)
			n += written
			p.rwCond.Broadcast()
			if er != nil {
				return n, er
			}
		} else {
			p.rwCond.Wait()
		}
	}
}

func (p *bufferedPipe) Write(input []byte) (int, error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		p.buf = new(bytes.Buffer)
	}
	for {
		if p.dropErr != nil {
			// the read side is gone, discard quietly
			return len(input), nil
		}
		if p.closed {
			return 0, io.ErrClosedPipe
		}
		if p.buf.Len() <= recvBufferSizeLimit {
			// if p.buf gets too large, write() will panic. We don't want this to happen
			break
		}
		p.rwCond.Wait()
	}
	n, err := p.buf.Write(input)
	// err will always be nil
	p.rwCond.Broadcast()
	return n, err
}

// Close marks the end of the inbound byte sequence. Buffered data remains
// readable; Read returns io.EOF once it is drained.
func (p *bufferedPipe) Close() error {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	p.closed = true
	p.rwCond.Broadcast()
	return nil
}

// Drop discards any buffered data and makes every pending and future Read
// return err immediately. Used for CloseRead (err = io.EOF) and reset
// (err = ErrStreamReset).
func (p *bufferedPipe) Drop(err error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	if p.dropErr != nil {
		return
	}
	p.dropErr = err
	p.closed = true
	if p.buf != nil {
		p.buf.Reset()
	}
	p.rwCond.Broadcast()
}

func (p *bufferedPipe) SetReadDeadline(t time.Time) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	p.rDeadline = t
	p.rwCond.Broadcast()
}
