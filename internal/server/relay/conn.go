package relay

import "github.com/dmitrijs2005/tabrelay/internal/server/registry"

// Conn is the server-side state of one transport connection: the session to
// push messages through and the user id bound by register/login.
//
// userID is only touched from the connection's own read loop (Dispatch runs
// sequentially per connection), so it needs no lock.
type Conn struct {
	sess   registry.Session
	userID string
}

func NewConn(sess registry.Session) *Conn {
	return &Conn{sess: sess}
}

// UserID returns the bound user id, or "" before register/login.
func (c *Conn) UserID() string {
	return c.userID
}
