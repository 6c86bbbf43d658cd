package conn

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is one open duplex channel carrying text frames.
//
// ReadMessage is called from a single goroutine. WriteMessage calls are
// serialised by the caller. Close may be called concurrently with both.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	Close(code int, reason string) error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Header http.Header
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	return WrapConn(c), nil
}

// closeGrace bounds how long a close frame may take to write.
const closeGrace = time.Second

type wsSocket struct {
	c *websocket.Conn
}

// WrapConn adapts an established gorilla connection, client or server side.
func WrapConn(c *websocket.Conn) Socket {
	return &wsSocket{c: c}
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	for {
		mt, p, err := s.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return p, nil
		}
	}
}

func (s *wsSocket) WriteMessage(frame []byte) error {
	return s.c.WriteMessage(websocket.TextMessage, frame)
}

func (s *wsSocket) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return s.c.Close()
}
