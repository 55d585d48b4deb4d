// Package ws exposes the relay over websocket: one persistent connection
// per client, each frame carrying one JSON protocol record.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmitrijs2005/tabrelay/internal/logging"
	"github.com/dmitrijs2005/tabrelay/internal/protocol"
)

const (
	// time allowed to flush one outbound frame
	writeWait = 10 * time.Second

	// per-session outbound queue; a session that falls this far behind
	// is dropped and recovers its messages from the mailbox on re-login
	outboundBuffer = 32

	// inbound frames are small protocol records; the limit mostly guards
	// the decoder against garbage
	maxMessageSize = 64 * 1024
)

// Session owns one websocket connection. Outbound messages go through a
// buffered channel and a single writer goroutine, so Send never blocks the
// dispatcher or races other senders on the socket.
type Session struct {
	conn *websocket.Conn
	log  logging.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, log logging.Logger) *Session {
	return &Session{
		conn: conn,
		log:  log,
		out:  make(chan []byte, outboundBuffer),
		done: make(chan struct{}),
	}
}

// Send enqueues one message for delivery. Messages to a closed or saturated
// session are dropped; pending mailbox entries are redelivered on the next
// login, so nothing is lost for good.
func (s *Session) Send(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error(context.Background(), "encode outbound message", "err", err)
		return
	}

	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.out <- data:
	case <-s.done:
	default:
		s.log.Warn(context.Background(), "dropping slow session")
		s.close()
	}
}

func (s *Session) writePump() {
	defer s.close()

	for {
		select {
		case data := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug(context.Background(), "write failed", "err", err)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
