package relay

import (
	"context"

	"github.com/dmitrijs2005/tabrelay/internal/protocol"
)

// Dispatch decodes one inbound record and routes it to its handler. The
// switch is exhaustive over the closed message set; anything malformed or
// out of place is logged and dropped without closing the connection.
//
// Dispatch is called sequentially per connection but concurrently across
// connections.
func (s *Service) Dispatch(ctx context.Context, conn *Conn, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		s.log.Warn(ctx, "dropping message", "err", err, "raw", string(raw))
		return
	}

	s.log.Debug(ctx, "got", "type", msg.Kind(), "userId", conn.userID)

	// register and login are the only operations available before a user
	// is bound to the connection.
	switch m := msg.(type) {
	case *protocol.Register:
		s.handleRegister(ctx, conn, m)
		return
	case *protocol.Login:
		s.handleLogin(ctx, conn, m)
		return
	}

	if conn.userID == "" {
		s.log.Warn(ctx, "dropping message from unbound connection", "type", msg.Kind())
		return
	}

	switch m := msg.(type) {
	case *protocol.AddFriend:
		s.handleAddFriend(ctx, conn, m)
	case *protocol.Friends:
		s.handleFriends(ctx, conn, m)
	case *protocol.SendTab:
		s.handleSendTab(ctx, conn, m)
	case *protocol.Acknowledge:
		s.handleAcknowledge(ctx, conn, m)
	case *protocol.Ping:
		s.handlePing(ctx, conn)
	case *protocol.UserInfo:
		s.handleUserInfo(ctx, conn, m)
	case *protocol.ReceiveTab, *protocol.Pong, *protocol.User:
		// server-to-client types have no business arriving here
		s.log.Warn(ctx, "dropping server-only message", "type", msg.Kind(), "userId", conn.userID)
	}
}
