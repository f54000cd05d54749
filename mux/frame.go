package mux

// Frame is the smallest self-delimited unit written to or read from the
// underlying transport. Control frames carry no payload except open, whose
// payload is reserved, and data.
type Frame struct {
	StreamID uint32
	Kind     uint8
	Payload  []byte
}

const (
	// a new stream initiated by the sender
	frameOpen uint8 = iota
	// payload bytes for an existing stream
	frameData
	// the sender will send no more data on this stream
	frameCloseWrite
	// the sender will accept no more data on this stream
	frameCloseRead
	// both directions closed gracefully
	frameClose
	// abrupt termination, buffered data is discarded
	frameReset
	// liveness traffic, carried on stream 0 and never registered
	frameKeepalive
	// the whole session is going away
	frameSessionClose
)

var kindNames = [...]string{
	"open", "data", "closeWrite", "closeRead", "close", "reset", "keepalive", "sessionClose",
}

func kindName(kind uint8) string {
	if int(kind) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[kind]
}
