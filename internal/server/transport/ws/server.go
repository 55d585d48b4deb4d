package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmitrijs2005/tabrelay/internal/logging"
	"github.com/dmitrijs2005/tabrelay/internal/server/relay"
)

const defaultShutdownTimeout = 5 * time.Second

// Server accepts websocket connections and feeds their frames to the relay
// dispatcher.
type Server struct {
	addr            string
	relay           *relay.Service
	log             logging.Logger
	upgrader        websocket.Upgrader
	shutdownTimeout time.Duration
}

func NewServer(addr string, service *relay.Service, log logging.Logger) *Server {
	return &Server{
		addr:            addr,
		relay:           service,
		log:             log,
		shutdownTimeout: defaultShutdownTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// clients are browser extensions and CLI tools, origins vary
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetShutdownTimeout overrides how long Run waits for in-flight requests
// during graceful shutdown.
func (s *Server) SetShutdownTimeout(d time.Duration) {
	if d > 0 {
		s.shutdownTimeout = d
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	ctx := context.Background()
	log := s.log.With("remote", r.RemoteAddr)
	sess := newSession(conn, log)
	go sess.writePump()

	c := relay.NewConn(sess)
	log.Info(ctx, "session opened")

	defer func() {
		// transport close clears the registry entry only; mailbox and
		// friend data stay put
		s.relay.Disconnect(ctx, c)
		sess.close()
		log.Info(ctx, "session closed", "userId", c.UserID())
	}()

	conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug(ctx, "read loop ended", "err", err)
			return
		}
		s.relay.Dispatch(ctx, c, data)
	}
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	srv := &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info(ctx, "listening", "addr", s.addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
