// Package transport adapts message-oriented links into the ordered byte
// stream a mux session expects.
package transport

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn implements net.Conn. It makes websocket.Conn
// binary-oriented so it can carry a mux session.
type WebSocketConn struct {
	*websocket.Conn
	writeM sync.Mutex
}

func Wrap(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{Conn: conn}
}

// Dial establishes a websocket connection to addr (host:port) at path and
// wraps it. The session layer treats the result as an ordered, reliable
// duplex byte stream.
func Dial(addr, path string) (*WebSocketConn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: path}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	return Wrap(conn), nil
}

// Upgrade turns an inbound HTTP request into a wrapped websocket
// connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocketConn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  16384,
		WriteBufferSize: 16384,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return Wrap(conn), nil
}

func (ws *WebSocketConn) Write(data []byte) (int, error) {
	ws.writeM.Lock()
	err := ws.WriteMessage(websocket.BinaryMessage, data)
	ws.writeM.Unlock()
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

func (ws *WebSocketConn) Read(buf []byte) (n int, err error) {
	t, r, err := ws.NextReader()
	if err != nil {
		return 0, err
	}
	if t != websocket.BinaryMessage {
		return 0, nil
	}

	// read until io.EOF for one full message
	for {
		var read int
		read, err = r.Read(buf[n:])
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			break
		}
		// there may be data available but n == len(buf), read == 0
		// because the buffer is full
		if read == 0 {
			err = errors.New("nothing more is read. message may be larger than buffer")
			break
		}
		n += read
	}
	return
}

func (ws *WebSocketConn) Close() error {
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	return ws.Conn.Close()
}

func (ws *WebSocketConn) SetDeadline(t time.Time) error {
	if err := ws.SetReadDeadline(t); err != nil {
		return err
	}
	return ws.SetWriteDeadline(t)
}

var _ net.Conn = (*WebSocketConn)(nil)
