// Package registry tracks which user currently holds a live transport
// session. The mapping is process-local and ephemeral: it is rebuilt from
// logins after a restart and entries vanish on disconnect.
package registry

import (
	"sync"

	"github.com/dmitrijs2005/tabrelay/internal/protocol"
)

// Session is the transport-facing half of a connection: the relay only
// needs to push messages through it. Send must not block the caller.
type Session interface {
	Send(msg protocol.Message)
}

// Registry is the shared user-id → session map. It owns its own lock and is
// injected into the dispatcher rather than referenced as ambient state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func New() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// Bind atomically records sess as the single active session for userID,
// superseding any prior binding. The superseded session (if any) is
// returned so the caller can log or close it.
func (r *Registry) Bind(userID string, sess Session) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.sessions[userID]
	r.sessions[userID] = sess
	if prev == sess {
		return nil
	}
	return prev
}

// Unbind removes the entry for userID, but only while it still belongs to
// sess: a superseded session's close must not evict its successor. Reports
// whether an entry was removed.
func (r *Registry) Unbind(userID string, sess Session) bool {
	if userID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[userID] != sess {
		return false
	}
	delete(r.sessions, userID)
	return true
}

// Lookup returns the live session for userID, if any.
func (r *Registry) Lookup(userID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[userID]
	return sess, ok
}

// Len reports the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
