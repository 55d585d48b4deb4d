// Package relay implements the store-and-forward protocol: it interprets
// inbound messages from bound connections and drives the User Directory,
// per-user mailboxes and the Connection Registry.
//
// Delivery is at-least-once: send-tab always persists to the recipient's
// mailbox and additionally pushes immediately when the recipient is online.
// Messages leave the mailbox only through explicit acknowledgment.
package relay

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/tabrelay/internal/common"
	"github.com/dmitrijs2005/tabrelay/internal/logging"
	"github.com/dmitrijs2005/tabrelay/internal/protocol"
	"github.com/dmitrijs2005/tabrelay/internal/server/directory"
	"github.com/dmitrijs2005/tabrelay/internal/server/models"
	"github.com/dmitrijs2005/tabrelay/internal/server/registry"
)

type Service struct {
	dir   directory.Repository
	reg   *registry.Registry
	log   logging.Logger
	locks *userLocks
}

func NewService(dir directory.Repository, reg *registry.Registry, log logging.Logger) *Service {
	return &Service{dir: dir, reg: reg, log: log, locks: newUserLocks()}
}

// Disconnect clears the connection's registry entry. Mailbox and friend
// data are untouched, so in-flight sends degrade to queuing.
func (s *Service) Disconnect(ctx context.Context, conn *Conn) {
	if s.reg.Unbind(conn.userID, conn.sess) {
		s.log.Info(ctx, "session unbound", "userId", conn.userID)
	}
}

func (s *Service) handleRegister(ctx context.Context, conn *Conn, m *protocol.Register) {
	if m.DisplayName == "" {
		s.log.Warn(ctx, "rejecting registration", "err", common.ErrorEmptyName)
		return
	}

	user, err := s.dir.Create(ctx, m.DisplayName, m.PublicKey)
	if err != nil {
		s.log.Error(ctx, "registration failed", "err", err)
		return
	}

	s.bind(ctx, conn, user.ID)
	s.log.Info(ctx, "registered", "userId", user.ID, "displayName", user.DisplayName)

	conn.sess.Send(&protocol.User{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Friends:     []protocol.Friend{},
		Messages:    []protocol.ReceiveTab{},
	})
}

func (s *Service) handleLogin(ctx context.Context, conn *Conn, m *protocol.Login) {
	user, err := s.dir.ByID(ctx, m.UserID)
	if err != nil {
		// Unknown ids get no response at all; the client decides whether
		// to re-register.
		s.log.Warn(ctx, "login for unknown user", "userId", m.UserID, "err", err)
		return
	}

	s.bind(ctx, conn, user.ID)
	s.log.Info(ctx, "logged in", "userId", user.ID, "pending", len(user.Mailbox))

	conn.sess.Send(&protocol.User{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Friends:     s.friendList(ctx, user),
		Messages:    mailboxMessages(user),
	})
}

func (s *Service) handleAddFriend(ctx context.Context, conn *Conn, m *protocol.AddFriend) {
	userID := conn.userID

	if m.FriendID == userID {
		s.log.Warn(ctx, "rejecting friend request", "userId", userID, "err", common.ErrorSelfFriend)
		return
	}

	unlock := s.locks.LockPair(userID, m.FriendID)
	user, friend, err := s.linkFriends(ctx, userID, m.FriendID)
	unlock()

	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.log.Warn(ctx, "friend request for unknown user", "friendId", m.FriendID)
		} else {
			s.log.Error(ctx, "friend request failed", "userId", userID, "friendId", m.FriendID, "err", err)
		}
		return
	}

	s.log.Info(ctx, "friends linked", "userId", user.ID, "friendId", friend.ID)

	// Both sides get a refreshed list; the non-acting side receives it
	// unsolicited.
	s.pushFriends(ctx, user)
	s.pushFriends(ctx, friend)
}

// linkFriends performs the symmetric insertion under the caller-held pair
// lock. The operation is idempotent: records already linked are persisted
// unchanged only when a side actually gained an entry.
func (s *Service) linkFriends(ctx context.Context, userID, friendID string) (*models.User, *models.User, error) {
	friend, err := s.dir.ByID(ctx, friendID)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.dir.ByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	if user.AddFriend(friend.ID) {
		if err := s.dir.Save(ctx, user); err != nil {
			return nil, nil, err
		}
	}
	if friend.AddFriend(user.ID) {
		if err := s.dir.Save(ctx, friend); err != nil {
			return nil, nil, err
		}
	}

	return user, friend, nil
}

func (s *Service) handleFriends(ctx context.Context, conn *Conn, m *protocol.Friends) {
	user, err := s.dir.ByID(ctx, m.UserID)
	if err != nil {
		s.log.Warn(ctx, "friends refresh for unknown user", "userId", m.UserID)
		return
	}
	s.pushFriends(ctx, user)
}

func (s *Service) handleSendTab(ctx context.Context, conn *Conn, m *protocol.SendTab) {
	msg := models.PendingMessage{
		ID:         uuid.NewString(),
		From:       conn.userID,
		Ciphertext: m.Tab,
	}

	unlock := s.locks.Lock(m.FriendID)
	err := s.enqueue(ctx, m.FriendID, msg)
	unlock()

	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.log.Warn(ctx, "send-tab for unknown recipient", "friendId", m.FriendID)
		} else {
			s.log.Error(ctx, "send-tab failed", "friendId", m.FriendID, "err", err)
		}
		return
	}

	s.log.Info(ctx, "tab queued", "from", msg.From, "to", m.FriendID, "messageId", msg.ID)

	// The mailbox write above already guarantees delivery; a live session
	// just gets the message sooner.
	if sess, ok := s.reg.Lookup(m.FriendID); ok {
		sess.Send(&protocol.ReceiveTab{From: msg.From, ID: msg.ID, Tab: msg.Ciphertext})
	}
}

func (s *Service) enqueue(ctx context.Context, recipientID string, msg models.PendingMessage) error {
	recipient, err := s.dir.ByID(ctx, recipientID)
	if err != nil {
		return err
	}
	recipient.Enqueue(msg)
	return s.dir.Save(ctx, recipient)
}

func (s *Service) handleAcknowledge(ctx context.Context, conn *Conn, m *protocol.Acknowledge) {
	userID := conn.userID

	unlock := s.locks.Lock(userID)
	defer unlock()

	user, err := s.dir.ByID(ctx, userID)
	if err != nil {
		s.log.Error(ctx, "acknowledge load failed", "userId", userID, "err", err)
		return
	}

	removed := user.Acknowledge(m.MessageIDs)
	if removed == 0 {
		// Acknowledging absent ids is a no-op, nothing to persist.
		return
	}

	if err := s.dir.Save(ctx, user); err != nil {
		s.log.Error(ctx, "acknowledge save failed", "userId", userID, "err", err)
		return
	}

	s.log.Info(ctx, "messages acknowledged", "userId", userID, "removed", removed)
}

func (s *Service) handlePing(ctx context.Context, conn *Conn) {
	// Reply only while this connection still holds the registry entry; a
	// concurrent close may already have cleared it.
	sess, ok := s.reg.Lookup(conn.userID)
	if !ok || sess != conn.sess {
		return
	}
	conn.sess.Send(&protocol.Pong{})
}

func (s *Service) handleUserInfo(ctx context.Context, conn *Conn, m *protocol.UserInfo) {
	user, err := s.dir.ByID(ctx, m.UserID)
	if err != nil {
		s.log.Warn(ctx, "user-info for unknown user", "userId", m.UserID)
		return
	}

	conn.sess.Send(&protocol.UserInfo{
		User: &protocol.UserSummary{ID: user.ID, DisplayName: user.DisplayName},
	})
}

func (s *Service) bind(ctx context.Context, conn *Conn, userID string) {
	conn.userID = userID
	if prev := s.reg.Bind(userID, conn.sess); prev != nil {
		s.log.Info(ctx, "session superseded", "userId", userID)
	}
}

// friendList resolves the user's friend ids into wire entries. Each entry
// exposes id, display name and public key only.
func (s *Service) friendList(ctx context.Context, user *models.User) []protocol.Friend {
	result := make([]protocol.Friend, 0, len(user.Friends))
	for _, id := range user.Friends {
		friend, err := s.dir.ByID(ctx, id)
		if err != nil {
			s.log.Warn(ctx, "skipping unresolvable friend", "userId", user.ID, "friendId", id, "err", err)
			continue
		}
		result = append(result, protocol.Friend{
			ID:          friend.ID,
			DisplayName: friend.DisplayName,
			PublicKey:   friend.PublicKey,
		})
	}
	return result
}

func (s *Service) pushFriends(ctx context.Context, user *models.User) {
	sess, ok := s.reg.Lookup(user.ID)
	if !ok {
		return
	}
	sess.Send(&protocol.Friends{Friends: s.friendList(ctx, user)})
}

func mailboxMessages(user *models.User) []protocol.ReceiveTab {
	messages := make([]protocol.ReceiveTab, 0, len(user.Mailbox))
	for _, m := range user.Mailbox {
		messages = append(messages, protocol.ReceiveTab{
			Type: protocol.TypeReceiveTab,
			From: m.From,
			ID:   m.ID,
			Tab:  m.Ciphertext,
		})
	}
	return messages
}
