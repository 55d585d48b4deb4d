// Package cli is the interactive terminal client for the tab relay. It runs
// the background session, keeps the keystore in sync, and exposes the
// register/add/send command set through a small REPL.
package cli

import (
	"bufio"
	"context"
	"crypto/rsa"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dmitrijs2005/tabrelay/internal/client/config"
	"github.com/dmitrijs2005/tabrelay/internal/client/cryptox"
	"github.com/dmitrijs2005/tabrelay/internal/client/keystore"
	"github.com/dmitrijs2005/tabrelay/internal/client/session"
	"github.com/dmitrijs2005/tabrelay/internal/common"
	"github.com/dmitrijs2005/tabrelay/internal/logging"
	"github.com/dmitrijs2005/tabrelay/internal/protocol"
)

// relaySession is the slice of *session.Session the commands use; tests
// substitute a stub.
type relaySession interface {
	Register(id *keystore.Identity, priv *rsa.PrivateKey) error
	AddFriend(friendID string) error
	SendTab(ctx context.Context, friendID, url string) error
	RequestUserInfo(userID string) error
	RequestFriends() error
	State() session.State
	Identity() *keystore.Identity
}

type App struct {
	config  *config.Config
	log     logging.Logger
	session relaySession
	store   keystore.Repository
	db      *sql.DB
	reader  *bufio.Reader
}

func NewApp(c *config.Config) (*App, error) {

	ctx := context.Background()

	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	// logs go to stderr so they do not mangle the prompt
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	store, db, err := keystore.Open(ctx, c.KeystorePath)
	if err != nil {
		return nil, err
	}

	app := &App{config: c, log: logger, store: store, db: db, reader: bufio.NewReader(os.Stdin)}
	app.session = session.New(c, logger, store, app)

	return app, nil
}

func (a *App) Run(ctx context.Context) {
	defer func() { _ = a.db.Close() }()

	if err := a.unsealIdentity(ctx); err != nil {
		printlnFn("Could not unlock the keystore:", err.Error())
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s, ok := a.session.(*session.Session); ok {
		go s.Run(ctx)
	}

	printlnFn("Tab relay CLI (type 'help' for commands)")
	scanner := bufio.NewScanner(os.Stdin)
	runREPL(ctx, a, a.status, scanner)
}

// unsealIdentity loads the stored account, if any, and asks for the
// passphrase until the private key opens. A fresh keystore is not an error:
// the user just has to register.
func (a *App) unsealIdentity(ctx context.Context) error {
	id, err := a.store.LoadIdentity(ctx)
	if errors.Is(err, common.ErrorNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	for {
		passphrase, err := getPassword(os.Stdout)
		if err != nil {
			return err
		}

		priv, err := cryptox.OpenPrivateKey(&id.Sealed, passphrase)
		common.WipeByteArray(passphrase)
		if errors.Is(err, common.ErrorKeystoreSeal) {
			printlnFn("Wrong passphrase, try again.")
			continue
		}
		if err != nil {
			return err
		}

		if s, ok := a.session.(*session.Session); ok {
			s.Unlock(id, priv)
		}
		printlnFn("Welcome back,", id.DisplayName)
		return nil
	}
}

func (a *App) hasIdentity() bool {
	return a.session.Identity() != nil
}

func (a *App) status() string {
	s := ""
	if id := a.session.Identity(); id != nil {
		s = id.DisplayName + " "
	}
	s = s + a.session.State().String()
	return fmt.Sprintf("(%s) ", s)
}

// ---- session.Events ----

func (a *App) StateChanged(s session.State) {
	printlnFn("[relay]", s.String())
}

func (a *App) FriendsUpdated(friends []protocol.Friend) {
	printlnFn(fmt.Sprintf("[relay] friend list updated (%d)", len(friends)))
}

func (a *App) TabsReceived(from string, urls []string) {
	printlnFn(fmt.Sprintf("%d tab(s) from %s:", len(urls), from))
	for _, u := range urls {
		printlnFn("  " + u)
	}
}

func (a *App) UserInfoReceived(u *protocol.UserSummary) {
	if u == nil {
		printlnFn("[relay] no such user")
		return
	}
	printlnFn(fmt.Sprintf("[relay] %s is %s", u.ID, u.DisplayName))
}

func (a *App) Registered(id *keystore.Identity) {
	printlnFn("Registered! Your id:", id.UserID)
	printlnFn("Share it with friends so they can add you.")
}
