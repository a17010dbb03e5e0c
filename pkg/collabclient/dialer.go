package collabclient

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the transport the engine speaks over. gorilla/websocket satisfies
// it; tests substitute in-memory pipes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn to a WebSocket URL.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

// wsDialer is the default Dialer backed by gorilla/websocket.
type wsDialer struct {
	dialer *websocket.Dialer
}

func newWSDialer() *wsDialer {
	return &wsDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (d *wsDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
