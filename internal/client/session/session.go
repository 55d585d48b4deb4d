// Package session maintains the client's connection to the relay: it dials,
// logs in, re-dials with exponential backoff when the link drops, heartbeats
// an idle connection, and turns incoming pushes into decrypted tab batches.
package session

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/dmitrijs2005/tabrelay/internal/client/config"
	"github.com/dmitrijs2005/tabrelay/internal/client/cryptox"
	"github.com/dmitrijs2005/tabrelay/internal/client/keystore"
	"github.com/dmitrijs2005/tabrelay/internal/common"
	"github.com/dmitrijs2005/tabrelay/internal/logging"
	"github.com/dmitrijs2005/tabrelay/internal/protocol"
)

// ErrNotConnected is returned by commands issued while the relay link is down.
var ErrNotConnected = errors.New("not connected to relay")

// Events receives session callbacks. Implementations must not block; the
// read loop waits on them.
type Events interface {
	StateChanged(s State)
	FriendsUpdated(friends []protocol.Friend)
	TabsReceived(from string, urls []string)
	UserInfoReceived(user *protocol.UserSummary)
	Registered(id *keystore.Identity)
}

// NopEvents discards all callbacks.
type NopEvents struct{}

func (NopEvents) StateChanged(State)                     {}
func (NopEvents) FriendsUpdated([]protocol.Friend)       {}
func (NopEvents) TabsReceived(string, []string)          {}
func (NopEvents) UserInfoReceived(*protocol.UserSummary) {}
func (NopEvents) Registered(*keystore.Identity)          {}

type Session struct {
	cfg    *config.Config
	log    logging.Logger
	store  keystore.Repository
	events Events

	clock  Clock
	dialer Dialer

	mu       sync.Mutex
	conn     Conn
	state    State
	retries  int
	identity *keystore.Identity
	priv     *rsa.PrivateKey
	pending  *keystore.Identity // registration waiting for its snapshot
}

func New(cfg *config.Config, log logging.Logger, store keystore.Repository, events Events) *Session {
	if events == nil {
		events = NopEvents{}
	}
	return &Session{
		cfg:    cfg,
		log:    log,
		store:  store,
		events: events,
		clock:  realClock{},
		dialer: wsDialer{},
		state:  StateDisconnected,
	}
}

// Unlock installs an identity whose private key has already been unsealed.
// Called before Run when the keystore holds an account.
func (s *Session) Unlock(id *keystore.Identity, priv *rsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
	s.priv = priv
}

// Identity returns the active identity, or nil before registration.
func (s *Session) Identity() *keystore.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// State reports the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the reconnect loop until ctx is canceled. Every unsuccessful
// cycle, whether the dial failed or an established connection dropped, waits
// out the exponential backoff; a successful connect resets the ladder and
// logs in with the stored identity.
func (s *Session) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(ctx, StateConnecting)

		conn, err := s.dialer.Dial(ctx, s.cfg.ServerURL)
		if err != nil {
			s.setState(ctx, StateError)
			s.log.Warn(ctx, "dial failed", "err", err)
			if !s.waitBackoff(ctx) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.retries = 0
		s.conn = conn
		s.mu.Unlock()

		s.setState(ctx, StateConnected)
		s.log.Info(ctx, "connected", "url", s.cfg.ServerURL)

		if id := s.Identity(); id != nil {
			if err := s.send(&protocol.Login{UserID: id.UserID}); err != nil {
				s.log.Warn(ctx, "login send failed", "err", err)
			}
		}

		s.serve(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()

		s.setState(ctx, StateDisconnected)

		// a connection that closed counts as a failed cycle too, otherwise
		// a server that accepts and immediately drops gets hammered
		if !s.waitBackoff(ctx) {
			return
		}
	}
}

// waitBackoff bumps the retry counter and sleeps base^retries (capped).
// It reports false when ctx was canceled during the wait.
func (s *Session) waitBackoff(ctx context.Context) bool {
	s.mu.Lock()
	s.retries++
	retries := s.retries
	s.mu.Unlock()

	delay := backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffCap, retries)
	s.log.Info(ctx, "reconnecting", "attempt", retries, "retryIn", delay.String())

	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(delay):
		return true
	}
}

// serve pumps incoming frames until the connection dies. A side goroutine
// heartbeats the link and tears it down on ctx cancelation.
func (s *Session) serve(ctx context.Context, conn Conn) {
	done := make(chan struct{})
	defer close(done)
	go s.heartbeat(ctx, conn, done)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug(ctx, "read loop ended", "err", err)
			return
		}
		s.handle(ctx, data)
	}
}

func (s *Session) heartbeat(ctx context.Context, conn Conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			// unblocks the read loop
			_ = conn.Close()
			return
		case <-s.clock.After(s.cfg.HeartbeatInterval):
			if err := s.send(&protocol.Ping{}); err != nil {
				s.log.Debug(ctx, "heartbeat failed", "err", err)
			}
		}
	}
}

func (s *Session) send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.WriteMessage(data)
}

func (s *Session) setState(ctx context.Context, next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev != next {
		s.log.Debug(ctx, "state changed", "from", prev.String(), "to", next.String())
		s.events.StateChanged(next)
	}
}

func (s *Session) handle(ctx context.Context, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn(ctx, "dropping malformed frame", "err", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.User:
		s.handleSnapshot(ctx, m)
	case *protocol.Friends:
		s.updateFriends(ctx, m.Friends)
	case *protocol.ReceiveTab:
		s.applyBatch(ctx, []protocol.ReceiveTab{*m})
	case *protocol.UserInfo:
		s.events.UserInfoReceived(m.User)
	case *protocol.Pong:
		s.log.Debug(ctx, "pong")
	default:
		s.log.Warn(ctx, "dropping unexpected message", "type", string(msg.Kind()))
	}
}

// handleSnapshot processes the full account state sent after register/login:
// it completes a pending registration, refreshes the friend cache and applies
// whatever the mailbox held.
func (s *Session) handleSnapshot(ctx context.Context, u *protocol.User) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	if pending != nil {
		pending.UserID = u.UserID
		s.identity = pending
	}
	s.mu.Unlock()

	if pending != nil {
		if err := s.store.SaveIdentity(ctx, pending); err != nil {
			s.log.Error(ctx, "failed to persist identity", "err", err)
		}
		s.log.Info(ctx, "registered", "userId", u.UserID, "displayName", u.DisplayName)
		s.events.Registered(pending)
	}

	s.updateFriends(ctx, u.Friends)
	s.applyBatch(ctx, u.Messages)
}

func (s *Session) updateFriends(ctx context.Context, friends []protocol.Friend) {
	if err := s.store.ReplaceFriends(ctx, friends); err != nil {
		s.log.Error(ctx, "failed to cache friends", "err", err)
	}
	s.events.FriendsUpdated(friends)
}

// applyBatch decrypts a batch of delivered messages, surfaces the new ones
// grouped by sender, and acknowledges every id so the relay can clear its
// mailbox. Redelivered ids are acknowledged but not surfaced again.
func (s *Session) applyBatch(ctx context.Context, msgs []protocol.ReceiveTab) {
	if len(msgs) == 0 {
		return
	}

	s.mu.Lock()
	priv := s.priv
	s.mu.Unlock()
	if priv == nil {
		s.log.Warn(ctx, "messages delivered before key unseal, leaving unacknowledged", "count", len(msgs))
		return
	}

	ackIDs := make([]string, 0, len(msgs))
	fresh := make([]protocol.ReceiveTab, 0, len(msgs))
	for _, m := range msgs {
		// acknowledging tells the relay to drop its copy, so a message is
		// only acked once its dedup record is durably written
		isNew, err := s.store.MarkSeen(ctx, m.ID)
		if err != nil {
			s.log.Error(ctx, "dedup record failed, leaving unacknowledged", "messageId", m.ID, "err", err)
			continue
		}
		ackIDs = append(ackIDs, m.ID)
		if isNew {
			fresh = append(fresh, m)
		}
	}

	if len(fresh) > 0 {
		ciphertexts := make([]string, len(fresh))
		for i, m := range fresh {
			ciphertexts[i] = m.Tab
		}

		urls, err := cryptox.DecryptAll(priv, ciphertexts)
		if err != nil {
			s.log.Error(ctx, "batch decrypt failed", "err", err)
		}

		// the whole batch is decrypted before anything is surfaced, so one
		// summary per sender covers it
		names := s.friendNames(ctx)
		bySender := make(map[string][]string)
		var order []string
		for i, m := range fresh {
			if urls[i] == "" {
				continue
			}
			if err := validateTabURL(urls[i]); err != nil {
				s.log.Warn(ctx, "dropping tab with unsafe url", "from", m.From, "err", err)
				continue
			}
			if _, ok := bySender[m.From]; !ok {
				order = append(order, m.From)
			}
			bySender[m.From] = append(bySender[m.From], urls[i])
		}

		for _, from := range order {
			name := names[from]
			if name == "" {
				name = from
			}
			s.events.TabsReceived(name, bySender[from])
		}
	}

	if len(ackIDs) == 0 {
		return
	}
	if err := s.send(&protocol.Acknowledge{MessageIDs: ackIDs}); err != nil {
		s.log.Warn(ctx, "acknowledge failed, relay will redeliver", "err", err)
	}
}

func (s *Session) friendNames(ctx context.Context) map[string]string {
	names := make(map[string]string)
	friends, err := s.store.ListFriends(ctx)
	if err != nil {
		s.log.Warn(ctx, "friend cache unavailable", "err", err)
		return names
	}
	for _, f := range friends {
		names[f.ID] = f.DisplayName
	}
	return names
}

// Register announces a freshly generated identity to the relay. The assigned
// user id arrives with the snapshot, at which point the identity is persisted.
func (s *Session) Register(id *keystore.Identity, priv *rsa.PrivateKey) error {
	if id.DisplayName == "" {
		return common.ErrorEmptyName
	}

	s.mu.Lock()
	s.pending = id
	s.priv = priv
	s.mu.Unlock()

	return s.send(&protocol.Register{DisplayName: id.DisplayName, PublicKey: id.PublicKey})
}

// AddFriend asks the relay to link both users. The refreshed friend list
// comes back as a push.
func (s *Session) AddFriend(friendID string) error {
	id := s.Identity()
	if id != nil && id.UserID == friendID {
		return common.ErrorSelfFriend
	}
	return s.send(&protocol.AddFriend{FriendID: friendID})
}

// SendTab encrypts a URL for the friend and hands it to the relay. The
// relay stores it until the friend acknowledges, so this is fire-and-forget.
func (s *Session) SendTab(ctx context.Context, friendID, rawURL string) error {
	if err := validateTabURL(rawURL); err != nil {
		return err
	}

	friends, err := s.store.ListFriends(ctx)
	if err != nil {
		return err
	}

	var friend *protocol.Friend
	for i := range friends {
		if friends[i].ID == friendID {
			friend = &friends[i]
			break
		}
	}
	if friend == nil {
		return common.ErrorNoFriendKey
	}

	pub, err := cryptox.ImportPublicKey(friend.PublicKey)
	if err != nil {
		return fmt.Errorf("friend key unusable: %w", err)
	}

	ciphertext, err := cryptox.EncryptTab(pub, rawURL)
	if err != nil {
		return err
	}

	return s.send(&protocol.SendTab{FriendID: friendID, Tab: ciphertext})
}

// RequestUserInfo asks the relay for another user's public profile.
func (s *Session) RequestUserInfo(userID string) error {
	return s.send(&protocol.UserInfo{UserID: userID})
}

// RequestFriends asks the relay to push a fresh friend list.
func (s *Session) RequestFriends() error {
	id := s.Identity()
	if id == nil {
		return ErrNotConnected
	}
	return s.send(&protocol.Friends{UserID: id.UserID})
}

// validateTabURL accepts only web URLs; anything else (javascript:, file:,
// data:) is rejected before it can reach a browser.
func validateTabURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return common.ErrorInvalidTab
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return common.ErrorInvalidTab
	}
	if u.Host == "" {
		return common.ErrorInvalidTab
	}
	return nil
}
