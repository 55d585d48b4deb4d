package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/tabrelay/internal/client/config"
	"github.com/dmitrijs2005/tabrelay/internal/client/cryptox"
	"github.com/dmitrijs2005/tabrelay/internal/client/keystore"
	"github.com/dmitrijs2005/tabrelay/internal/common"
	"github.com/dmitrijs2005/tabrelay/internal/logging"
	"github.com/dmitrijs2005/tabrelay/internal/protocol"
)

const waitTimeout = 2 * time.Second

var testKey = sync.OnceValue(func() *rsa.PrivateKey {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return priv
})

// ---------- fakes ----------

var errConnClosed = errors.New("connection closed")

type fakeConn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.out <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type dialerFunc func(ctx context.Context, url string) (Conn, error)

func (f dialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

type fakeWait struct {
	d  time.Duration
	ch chan time.Time
}

func (w *fakeWait) fire() { w.ch <- time.Now() }

// fakeClock hands every After call to the test as a fakeWait, so schedules
// are driven explicitly instead of by real time.
type fakeClock struct {
	waits chan *fakeWait
}

func newFakeClock() *fakeClock {
	return &fakeClock{waits: make(chan *fakeWait, 64)}
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	w := &fakeWait{d: d, ch: make(chan time.Time, 1)}
	c.waits <- w
	return w.ch
}

func (c *fakeClock) next(t *testing.T) *fakeWait {
	t.Helper()
	select {
	case w := <-c.waits:
		return w
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a timer")
		return nil
	}
}

// nextWith skips timers until one with duration d shows up. Heartbeat and
// reconnect timers interleave; the duration tells them apart.
func (c *fakeClock) nextWith(t *testing.T, d time.Duration) *fakeWait {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case w := <-c.waits:
			if w.d == d {
				return w
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %s timer", d)
			return nil
		}
	}
}

// flakyStore wraps a real repository and fails MarkSeen on demand.
type flakyStore struct {
	keystore.Repository
	mu          sync.Mutex
	markSeenErr error
}

func (s *flakyStore) setErr(err error) {
	s.mu.Lock()
	s.markSeenErr = err
	s.mu.Unlock()
}

func (s *flakyStore) MarkSeen(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	err := s.markSeenErr
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.Repository.MarkSeen(ctx, id)
}

type tabEvent struct {
	from string
	urls []string
}

type recEvents struct {
	states     chan State
	friends    chan []protocol.Friend
	tabs       chan tabEvent
	registered chan *keystore.Identity
	infos      chan *protocol.UserSummary
}

func newRecEvents() *recEvents {
	return &recEvents{
		states:     make(chan State, 64),
		friends:    make(chan []protocol.Friend, 64),
		tabs:       make(chan tabEvent, 64),
		registered: make(chan *keystore.Identity, 64),
		infos:      make(chan *protocol.UserSummary, 64),
	}
}

func (r *recEvents) StateChanged(s State)                     { r.states <- s }
func (r *recEvents) FriendsUpdated(f []protocol.Friend)       { r.friends <- f }
func (r *recEvents) TabsReceived(from string, urls []string)  { r.tabs <- tabEvent{from, urls} }
func (r *recEvents) UserInfoReceived(u *protocol.UserSummary) { r.infos <- u }
func (r *recEvents) Registered(id *keystore.Identity)         { r.registered <- id }

// ---------- helpers ----------

func testConfig() *config.Config {
	return &config.Config{
		ServerURL:         "ws://relay.test/ws",
		HeartbeatInterval: 30 * time.Second,
		BackoffBase:       5 * time.Second,
		BackoffCap:        2 * time.Minute,
	}
}

func testStore(t *testing.T) *keystore.SQLiteRepository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, keystore.RunMigrations(context.Background(), db))
	return keystore.NewSQLiteRepository(db)
}

type fixture struct {
	session *Session
	clock   *fakeClock
	conns   chan *fakeConn
	events  *recEvents
	store   *keystore.SQLiteRepository
	cancel  context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	store := testStore(t)
	events := newRecEvents()

	s := New(testConfig(), log, store, events)

	clock := newFakeClock()
	conns := make(chan *fakeConn, 8)
	s.clock = clock
	s.dialer = dialerFunc(func(ctx context.Context, url string) (Conn, error) {
		select {
		case c := <-conns:
			return c, nil
		default:
			return nil, errors.New("relay unreachable")
		}
	})

	return &fixture{session: s, clock: clock, conns: conns, events: events, store: store}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Error("session did not stop")
		}
	})
}

func (f *fixture) identity() (*keystore.Identity, *rsa.PrivateKey) {
	priv := testKey()
	return &keystore.Identity{
		UserID:      "user-a",
		DisplayName: "Alice",
		PublicKey:   cryptox.ExportPublicKey(&priv.PublicKey),
	}, priv
}

func readFrame(t *testing.T, conn *fakeConn) protocol.Message {
	t.Helper()
	select {
	case data := <-conn.out:
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an outbound frame")
		return nil
	}
}

func serverSend(t *testing.T, conn *fakeConn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	conn.in <- data
}

func waitState(t *testing.T, events *recEvents, want State) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case s := <-events.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func waitTabs(t *testing.T, events *recEvents) tabEvent {
	t.Helper()
	select {
	case e := <-events.tabs:
		return e
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for tabs")
		return tabEvent{}
	}
}

// ---------- reconnect loop ----------

func TestRun_BackoffLadderAndReset(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	// no conns queued: every dial fails, delays follow base^n
	w1 := f.clock.next(t)
	assert.Equal(t, 5*time.Second, w1.d)
	w1.fire()

	w2 := f.clock.next(t)
	assert.Equal(t, 25*time.Second, w2.d)
	w2.fire()

	w3 := f.clock.next(t)
	assert.Equal(t, 125*time.Second, w3.d)
	w3.fire()

	// cap reached
	w4 := f.clock.next(t)
	assert.Equal(t, 2*time.Minute, w4.d)

	// a successful connect resets the ladder
	conn := newFakeConn()
	f.conns <- conn
	w4.fire()
	waitState(t, f.events, StateConnected)

	_ = conn.Close()
	waitState(t, f.events, StateDisconnected)

	w5 := f.clock.nextWith(t, 5*time.Second)
	assert.Equal(t, 5*time.Second, w5.d)
}

func TestRun_DroppedConnectionBacksOff(t *testing.T) {
	f := newFixture(t)

	// every dial succeeds, so the only thing pacing the loop is the
	// backoff after each dropped connection
	var dials atomic.Int32
	served := make(chan *fakeConn, 8)
	f.session.dialer = dialerFunc(func(ctx context.Context, url string) (Conn, error) {
		dials.Add(1)
		c := newFakeConn()
		served <- c
		return c, nil
	})

	f.start(t)
	waitState(t, f.events, StateConnected)
	_ = (<-served).Close()
	waitState(t, f.events, StateDisconnected)

	w1 := f.clock.nextWith(t, 5*time.Second)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, dials.Load(), "must not re-dial before the backoff elapses")

	w1.fire()
	waitState(t, f.events, StateConnected)
	assert.EqualValues(t, 2, dials.Load())

	// the successful connect reset the ladder, so the next drop starts over
	_ = (<-served).Close()
	waitState(t, f.events, StateDisconnected)
	f.clock.nextWith(t, 5*time.Second)
}

func TestRun_LoginSentOnConnect(t *testing.T) {
	f := newFixture(t)
	id, priv := f.identity()
	f.session.Unlock(id, priv)

	conn := newFakeConn()
	f.conns <- conn
	f.start(t)

	login, ok := readFrame(t, conn).(*protocol.Login)
	require.True(t, ok, "first frame after connect must be the login")
	assert.Equal(t, "user-a", login.UserID)
}

func TestRun_NoLoginWithoutIdentity(t *testing.T) {
	f := newFixture(t)

	conn := newFakeConn()
	f.conns <- conn
	f.start(t)
	waitState(t, f.events, StateConnected)

	select {
	case data := <-conn.out:
		t.Fatalf("expected silence before registration, got %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRun_HeartbeatPings(t *testing.T) {
	f := newFixture(t)
	conn := newFakeConn()
	f.conns <- conn
	f.start(t)
	waitState(t, f.events, StateConnected)

	f.clock.nextWith(t, 30*time.Second).fire()

	_, ok := readFrame(t, conn).(*protocol.Ping)
	assert.True(t, ok)
}

// ---------- registration ----------

func TestRegister_PersistsIdentityFromSnapshot(t *testing.T) {
	f := newFixture(t)
	conn := newFakeConn()
	f.conns <- conn
	f.start(t)
	waitState(t, f.events, StateConnected)

	priv := testKey()
	id := &keystore.Identity{
		DisplayName: "Alice",
		PublicKey:   cryptox.ExportPublicKey(&priv.PublicKey),
	}
	require.NoError(t, f.session.Register(id, priv))

	reg, ok := readFrame(t, conn).(*protocol.Register)
	require.True(t, ok)
	assert.Equal(t, "Alice", reg.DisplayName)
	assert.Equal(t, id.PublicKey, reg.PublicKey)

	serverSend(t, conn, &protocol.User{UserID: "assigned-id", DisplayName: "Alice"})

	select {
	case got := <-f.events.registered:
		assert.Equal(t, "assigned-id", got.UserID)
	case <-time.After(waitTimeout):
		t.Fatal("registration never completed")
	}

	stored, err := f.store.LoadIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "assigned-id", stored.UserID)
	assert.Equal(t, "Alice", stored.DisplayName)
}

func TestRegister_EmptyNameRejected(t *testing.T) {
	f := newFixture(t)
	id := &keystore.Identity{}
	err := f.session.Register(id, testKey())
	assert.ErrorIs(t, err, common.ErrorEmptyName)
}

// ---------- incoming tabs ----------

func encryptFor(t *testing.T, priv *rsa.PrivateKey, url string) string {
	t.Helper()
	c, err := cryptox.EncryptTab(&priv.PublicKey, url)
	require.NoError(t, err)
	return c
}

func connectedWithIdentity(t *testing.T) (*fixture, *fakeConn, *rsa.PrivateKey) {
	t.Helper()
	f := newFixture(t)
	id, priv := f.identity()
	f.session.Unlock(id, priv)

	require.NoError(t, f.store.ReplaceFriends(context.Background(), []protocol.Friend{
		{ID: "user-b", DisplayName: "Bob", PublicKey: cryptox.ExportPublicKey(&testKey().PublicKey)},
	}))

	conn := newFakeConn()
	f.conns <- conn
	f.start(t)

	// drain the login frame
	_, ok := readFrame(t, conn).(*protocol.Login)
	require.True(t, ok)
	return f, conn, priv
}

func TestReceiveTab_DecryptsNotifiesAndAcks(t *testing.T) {
	f, conn, priv := connectedWithIdentity(t)

	serverSend(t, conn, &protocol.ReceiveTab{
		From: "user-b",
		ID:   "msg-1",
		Tab:  encryptFor(t, priv, "https://example.com/article"),
	})

	tabs := waitTabs(t, f.events)
	assert.Equal(t, "Bob", tabs.from)
	assert.Equal(t, []string{"https://example.com/article"}, tabs.urls)

	ack, ok := readFrame(t, conn).(*protocol.Acknowledge)
	require.True(t, ok)
	assert.Equal(t, []string{"msg-1"}, ack.MessageIDs)
}

func TestReceiveTab_RedeliveryAckedButNotSurfacedTwice(t *testing.T) {
	f, conn, priv := connectedWithIdentity(t)

	push := &protocol.ReceiveTab{
		From: "user-b",
		ID:   "msg-1",
		Tab:  encryptFor(t, priv, "https://example.com"),
	}

	serverSend(t, conn, push)
	waitTabs(t, f.events)
	readFrame(t, conn) // first ack

	serverSend(t, conn, push)

	ack, ok := readFrame(t, conn).(*protocol.Acknowledge)
	require.True(t, ok)
	assert.Equal(t, []string{"msg-1"}, ack.MessageIDs)

	select {
	case e := <-f.events.tabs:
		t.Fatalf("redelivered tab surfaced again: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReceiveTab_NotAckedWhenDedupRecordFails(t *testing.T) {
	f := newFixture(t)
	id, priv := f.identity()
	f.session.Unlock(id, priv)

	require.NoError(t, f.store.ReplaceFriends(context.Background(), []protocol.Friend{
		{ID: "user-b", DisplayName: "Bob", PublicKey: cryptox.ExportPublicKey(&testKey().PublicKey)},
	}))

	flaky := &flakyStore{Repository: f.store, markSeenErr: errors.New("database is locked")}
	f.session.store = flaky

	conn := newFakeConn()
	f.conns <- conn
	f.start(t)
	_, ok := readFrame(t, conn).(*protocol.Login)
	require.True(t, ok)

	push := &protocol.ReceiveTab{
		From: "user-b",
		ID:   "msg-1",
		Tab:  encryptFor(t, priv, "https://example.com"),
	}
	serverSend(t, conn, push)

	// acknowledging would let the relay delete a message that was never
	// recorded, so the message must stay in the mailbox
	select {
	case data := <-conn.out:
		t.Fatalf("nothing should be acknowledged, got %s", data)
	case e := <-f.events.tabs:
		t.Fatalf("tab surfaced despite failed dedup record: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}

	// once the store recovers, redelivery completes normally
	flaky.setErr(nil)
	serverSend(t, conn, push)

	tabs := waitTabs(t, f.events)
	assert.Equal(t, "Bob", tabs.from)
	assert.Equal(t, []string{"https://example.com"}, tabs.urls)

	ack, okAck := readFrame(t, conn).(*protocol.Acknowledge)
	require.True(t, okAck)
	assert.Equal(t, []string{"msg-1"}, ack.MessageIDs)
}

func TestSnapshot_BatchGroupedBySender(t *testing.T) {
	f, conn, priv := connectedWithIdentity(t)

	serverSend(t, conn, &protocol.User{
		UserID:      "user-a",
		DisplayName: "Alice",
		Friends: []protocol.Friend{
			{ID: "user-b", DisplayName: "Bob", PublicKey: cryptox.ExportPublicKey(&testKey().PublicKey)},
		},
		Messages: []protocol.ReceiveTab{
			{From: "user-b", ID: "m1", Tab: encryptFor(t, priv, "https://example.com/1")},
			{From: "user-b", ID: "m2", Tab: encryptFor(t, priv, "https://example.com/2")},
		},
	})

	tabs := waitTabs(t, f.events)
	assert.Equal(t, "Bob", tabs.from)
	assert.Equal(t, []string{"https://example.com/1", "https://example.com/2"}, tabs.urls)

	ack, ok := readFrame(t, conn).(*protocol.Acknowledge)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"m1", "m2"}, ack.MessageIDs)
}

func TestReceiveTab_UnsafeSchemeDroppedButAcked(t *testing.T) {
	f, conn, priv := connectedWithIdentity(t)

	serverSend(t, conn, &protocol.ReceiveTab{
		From: "user-b",
		ID:   "msg-1",
		Tab:  encryptFor(t, priv, "javascript:alert(1)"),
	})

	ack, ok := readFrame(t, conn).(*protocol.Acknowledge)
	require.True(t, ok)
	assert.Equal(t, []string{"msg-1"}, ack.MessageIDs)

	select {
	case e := <-f.events.tabs:
		t.Fatalf("unsafe url surfaced: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

// ---------- friends push ----------

func TestFriendsPush_CachedAndSurfaced(t *testing.T) {
	f, conn, _ := connectedWithIdentity(t)

	push := []protocol.Friend{
		{ID: "user-c", DisplayName: "Carol", PublicKey: cryptox.ExportPublicKey(&testKey().PublicKey)},
	}
	serverSend(t, conn, &protocol.Friends{Friends: push})

	select {
	case got := <-f.events.friends:
		assert.Equal(t, push, got)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for friends push")
	}

	cached, err := f.store.ListFriends(context.Background())
	require.NoError(t, err)
	assert.Equal(t, push, cached)
}

// ---------- outgoing commands ----------

func TestSendTab_EncryptsForFriend(t *testing.T) {
	f, conn, _ := connectedWithIdentity(t)

	require.NoError(t, f.session.SendTab(context.Background(), "user-b", "https://example.com/shared"))

	sent, ok := readFrame(t, conn).(*protocol.SendTab)
	require.True(t, ok)
	assert.Equal(t, "user-b", sent.FriendID)
	assert.NotContains(t, sent.Tab, "example.com", "payload must be ciphertext")

	// Bob's key pair is testKey in the fixture
	plain, err := cryptox.DecryptTab(testKey(), sent.Tab)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/shared", plain)
}

func TestSendTab_Validation(t *testing.T) {
	f, _, _ := connectedWithIdentity(t)
	ctx := context.Background()

	err := f.session.SendTab(ctx, "user-b", "ftp://example.com")
	assert.ErrorIs(t, err, common.ErrorInvalidTab)

	err = f.session.SendTab(ctx, "user-b", "not a url")
	assert.ErrorIs(t, err, common.ErrorInvalidTab)

	err = f.session.SendTab(ctx, "stranger", "https://example.com")
	assert.ErrorIs(t, err, common.ErrorNoFriendKey)
}

func TestAddFriend_SelfRejected(t *testing.T) {
	f, _, _ := connectedWithIdentity(t)
	assert.ErrorIs(t, f.session.AddFriend("user-a"), common.ErrorSelfFriend)
}

func TestCommands_FailWhenDisconnected(t *testing.T) {
	f := newFixture(t)
	id, priv := f.identity()
	f.session.Unlock(id, priv)

	assert.ErrorIs(t, f.session.AddFriend("user-b"), ErrNotConnected)
	assert.ErrorIs(t, f.session.RequestUserInfo("user-b"), ErrNotConnected)
}

func TestUserInfoReply_Surfaced(t *testing.T) {
	f, conn, _ := connectedWithIdentity(t)

	require.NoError(t, f.session.RequestUserInfo("user-b"))
	req, ok := readFrame(t, conn).(*protocol.UserInfo)
	require.True(t, ok)
	assert.Equal(t, "user-b", req.UserID)

	serverSend(t, conn, &protocol.UserInfo{User: &protocol.UserSummary{ID: "user-b", DisplayName: "Bob"}})

	select {
	case got := <-f.events.infos:
		assert.Equal(t, "Bob", got.DisplayName)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for user info")
	}
}

// ---------- url validation ----------

func TestValidateTabURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		ok   bool
	}{
		{"https", "https://example.com/page", true},
		{"http", "http://example.com", true},
		{"javascript", "javascript:alert(1)", false},
		{"file", "file:///etc/passwd", false},
		{"data", "data:text/html,hi", false},
		{"no host", "https://", false},
		{"garbage", "::::", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTabURL(tt.url)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, common.ErrorInvalidTab)
			}
		})
	}
}
