// Package models holds the server-side domain records owned by the User
// Directory.
package models

import (
	"slices"

	"github.com/dmitrijs2005/tabrelay/internal/protocol"
)

// PendingMessage is one queued, opaque, encrypted payload awaiting
// acknowledgment by the mailbox owner.
type PendingMessage struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	Ciphertext string `json:"tab"`
}

// User is the durable identity record. The id is immutable once assigned;
// friends and mailbox are mutated only through the methods below so the
// friend-graph and mailbox invariants hold after every persisted change.
type User struct {
	ID          string             `json:"id"`
	DisplayName string             `json:"displayName"`
	PublicKey   protocol.PublicKey `json:"publicKey"`
	Friends     []string           `json:"friends"`
	Mailbox     []PendingMessage   `json:"mailbox"`
}

// HasFriend reports whether id is in the friend set.
func (u *User) HasFriend(id string) bool {
	return slices.Contains(u.Friends, id)
}

// AddFriend inserts id into the friend set. Inserting an id already present
// or the user's own id changes nothing; the returned bool reports whether
// the record was modified.
func (u *User) AddFriend(id string) bool {
	if id == u.ID || u.HasFriend(id) {
		return false
	}
	u.Friends = append(u.Friends, id)
	return true
}

// Enqueue appends m to the mailbox.
func (u *User) Enqueue(m PendingMessage) {
	u.Mailbox = append(u.Mailbox, m)
}

// Acknowledge removes exactly the messages whose ids are named, preserving
// the order of everything else. Unknown ids are ignored. Returns the number
// of messages removed.
func (u *User) Acknowledge(ids []string) int {
	if len(ids) == 0 || len(u.Mailbox) == 0 {
		return 0
	}

	named := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		named[id] = struct{}{}
	}

	kept := u.Mailbox[:0]
	removed := 0
	for _, m := range u.Mailbox {
		if _, ok := named[m.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	u.Mailbox = kept
	return removed
}

// Clone returns a deep copy. Stores hand out copies so callers can mutate
// records freely before saving them back.
func (u *User) Clone() *User {
	c := *u
	c.Friends = slices.Clone(u.Friends)
	c.Mailbox = slices.Clone(u.Mailbox)
	return &c
}
