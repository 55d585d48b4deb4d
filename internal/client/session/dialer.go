package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the minimal connection surface the session needs. The production
// implementation wraps a gorilla websocket; tests provide an in-memory fake.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn to the relay.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Clock abstracts timer waits so reconnect and heartbeat schedules can be
// driven synthetically in tests.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error { return w.c.Close() }
