package fwd

import (
	"net"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/weirmux/weir/internal/common"
	"github.com/weirmux/weir/mux"
	"github.com/weirmux/weir/transport"
)

// Serve accepts transport connections on bindAddr and forwards every
// incoming stream to upstreamAddr. It blocks for the lifetime of the
// listener.
func Serve(bindAddr, upstreamAddr string, config Config) error {
	if config.Transport == "ws" {
		handler := http.NewServeMux()
		handler.HandleFunc(config.WSPath, func(w http.ResponseWriter, r *http.Request) {
			conn, err := transport.Upgrade(w, r)
			if err != nil {
				log.Errorf("websocket upgrade from %v failed: %v", r.RemoteAddr, err)
				return
			}
			serveSession(conn, upstreamAddr, config)
		})
		log.Infof("listening on ws://%v%v", bindAddr, config.WSPath)
		return http.ListenAndServe(bindAddr, handler)
	}

	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return err
	}
	log.Infof("listening on tcp://%v", bindAddr)
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go serveSession(conn, upstreamAddr, config)
	}
}

// serveSession runs one session over conn, dialling upstream once per
// incoming stream. It returns when the session ends.
func serveSession(conn net.Conn, upstreamAddr string, config Config) {
	seshConfig := config.sessionConfig(false)
	seshConfig.OnIncomingStream = func(stream *mux.Stream) {
		go func() {
			upstream, err := net.Dial("tcp", upstreamAddr)
			if err != nil {
				log.Errorf("dialling upstream %v: %v", upstreamAddr, err)
				stream.Reset()
				return
			}
			go func() {
				if _, err := common.Pump(stream, upstream, 0); err != nil {
					log.Tracef("upstream to stream %v: %v", stream.ID(), err)
				}
			}()
			if _, err := common.Pump(upstream, stream, config.streamTimeout()); err != nil {
				log.Tracef("stream %v to upstream: %v", stream.ID(), err)
			}
		}()
	}
	seshConfig.OnStreamEnd = func(stream *mux.Stream) {
		timeline := stream.Timeline()
		log.Debugf("stream %v ended after %v", stream.ID(), timeline.Closed.Sub(timeline.Opened))
	}
	sesh := mux.NewSession(conn, seshConfig)
	log.Infof("session started from %v", conn.RemoteAddr())

	<-sessionDone(sesh)
	log.Infof("session from %v ended: %v", conn.RemoteAddr(), sesh.TerminalMsg())
}

// sessionDone adapts a session's closed state into a channel. Accept
// returns once the session is torn down, which is the only event we need.
func sessionDone(sesh *mux.Session) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for {
			if _, err := sesh.Accept(); err != nil {
				close(done)
				return
			}
		}
	}()
	return done
}
