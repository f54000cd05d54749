package mux

import "errors"

var (
	// ErrSessionClosed is returned by operations on a session that has been
	// torn down, locally or by the peer.
	ErrSessionClosed = errors.New("session closed")

	// ErrStreamClosedForWriting is returned by Write after the local side
	// called CloseWrite or the peer called CloseRead.
	ErrStreamClosedForWriting = errors.New("stream closed for writing")

	// ErrStreamReset is returned by operations on a stream that has been
	// reset, locally or by the peer.
	ErrStreamReset = errors.New("stream reset")

	// ErrTransportFailure indicates the underlying connection failed. It is
	// fatal to the session.
	ErrTransportFailure = errors.New("transport failure")

	// ErrProtocolViolation indicates the peer sent a malformed frame or a
	// control frame referencing a stream that never existed.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTimeout is returned when a read or write deadline expires.
	ErrTimeout = errors.New("deadline exceeded")
)

var errRepeatSessionClosing = errors.New("trying to close a closed session")
