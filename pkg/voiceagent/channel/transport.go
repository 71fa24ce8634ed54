package channel

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the transport surface the channel needs from a WebSocket
// connection. *websocket.Conn satisfies it; tests inject fakes.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d *WebSocketDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 15 * time.Second
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, nil
}
