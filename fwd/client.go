package fwd

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/weirmux/weir/internal/common"
	"github.com/weirmux/weir/mux"
	"github.com/weirmux/weir/transport"
)

// DialSession establishes the transport connection to remoteAddr and binds
// a client-side session to it.
func DialSession(remoteAddr string, config Config) (*mux.Session, error) {
	var conn net.Conn
	var err error
	switch config.Transport {
	case "ws":
		conn, err = transport.Dial(remoteAddr, config.WSPath)
	default:
		conn, err = net.Dial("tcp", remoteAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %v: %w", remoteAddr, err)
	}
	log.Infof("connected to %v over %v", remoteAddr, config.Transport)
	return mux.NewSession(conn, config.sessionConfig(true)), nil
}

// RouteTCP accepts connections from listener and carries each one as a
// stream on sesh until the listener or the session dies.
func RouteTCP(listener net.Listener, sesh *mux.Session, config Config) error {
	for {
		localConn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("accepting local connection: %w", err)
		}
		if sesh.IsClosed() {
			localConn.Close()
			return mux.ErrSessionClosed
		}
		go func(localConn net.Conn) {
			stream, err := sesh.OpenStream()
			if err != nil {
				log.Errorf("failed to open stream: %v", err)
				localConn.Close()
				return
			}
			go func() {
				if _, err := common.Pump(localConn, stream, 0); err != nil {
					log.Tracef("stream %v to local: %v", stream.ID(), err)
				}
			}()
			if _, err = common.Pump(stream, localConn, config.streamTimeout()); err != nil {
				log.Tracef("local to stream %v: %v", stream.ID(), err)
			}
		}(localConn)
	}
}
