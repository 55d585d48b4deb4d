package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/dmitrijs2005/tabrelay/internal/client/cryptox"
	"github.com/dmitrijs2005/tabrelay/internal/client/keystore"
	"github.com/dmitrijs2005/tabrelay/internal/common"
)

// getSimpleText, getPassword and generateKeyPair are indirections used to
// facilitate testing. They can be swapped in tests.
var getSimpleText = GetSimpleText
var getPassword = GetPassword
var generateKeyPair = cryptox.GenerateKeyPair

// Register creates a new identity: it generates a key pair, seals the
// private half under a passphrase, and announces the public half to the
// relay. The assigned user id is persisted when the relay responds.
func (a *App) Register(ctx context.Context) error {
	if a.hasIdentity() {
		printlnFn("Already registered as", a.session.Identity().DisplayName)
		return nil
	}

	displayName, err := getSimpleText(a.reader, "Pick a display name", os.Stdout)
	if err != nil {
		return err
	}
	if displayName == "" {
		return common.ErrorEmptyName
	}

	passphrase, err := getPassword(os.Stdout)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(passphrase)

	printlnFn("Generating a key pair, this can take a moment...")
	priv, err := generateKeyPair()
	if err != nil {
		return err
	}

	sealed, err := cryptox.SealPrivateKey(priv, passphrase)
	if err != nil {
		return err
	}

	id := &keystore.Identity{
		DisplayName: displayName,
		PublicKey:   cryptox.ExportPublicKey(&priv.PublicKey),
		Sealed:      *sealed,
	}

	if err := a.session.Register(id, priv); err != nil {
		return err
	}

	printlnFn("Waiting for the relay to assign an id...")
	return nil
}

// AddFriend links this account with another user by id. The relay pushes
// the refreshed friend list to both sides.
func (a *App) AddFriend(ctx context.Context) error {
	friendID, err := getSimpleText(a.reader, "Friend's id", os.Stdout)
	if err != nil {
		return err
	}
	return a.session.AddFriend(friendID)
}

// Friends prints the locally cached friend list and asks the relay for a
// fresh copy; the refresh arrives asynchronously as a push.
func (a *App) Friends(ctx context.Context) error {
	if err := a.session.RequestFriends(); err != nil {
		a.log.Debug(ctx, "friend refresh skipped", "err", err)
	}

	friends, err := a.store.ListFriends(ctx)
	if err != nil {
		return err
	}

	if len(friends) == 0 {
		printlnFn("No friends yet. Use 'add' with a friend's id.")
		return nil
	}
	for _, f := range friends {
		printlnFn(fmt.Sprintf("%s  (%s)", f.DisplayName, f.ID))
	}
	return nil
}

// Send encrypts a URL for a friend and hands it to the relay. The friend
// can be named by id or by display name.
func (a *App) Send(ctx context.Context) error {
	who, err := getSimpleText(a.reader, "Send to (friend id or name)", os.Stdout)
	if err != nil {
		return err
	}

	friendID, err := a.resolveFriend(ctx, who)
	if err != nil {
		return err
	}

	url, err := getSimpleText(a.reader, "URL to send", os.Stdout)
	if err != nil {
		return err
	}

	if err := a.session.SendTab(ctx, friendID, url); err != nil {
		return err
	}

	printlnFn("Sent. The relay keeps it until your friend picks it up.")
	return nil
}

func (a *App) resolveFriend(ctx context.Context, who string) (string, error) {
	friends, err := a.store.ListFriends(ctx)
	if err != nil {
		return "", err
	}

	for _, f := range friends {
		if f.ID == who {
			return f.ID, nil
		}
	}
	for _, f := range friends {
		if f.DisplayName == who {
			return f.ID, nil
		}
	}
	return "", common.ErrorNoFriendKey
}

// WhoAmI prints the local identity and connection state.
func (a *App) WhoAmI(ctx context.Context) error {
	id := a.session.Identity()
	if id == nil {
		printlnFn("Not registered yet.")
		return nil
	}

	printlnFn("Display name:", id.DisplayName)
	printlnFn("User id:     ", id.UserID)
	printlnFn("Relay:       ", a.session.State().String())
	return nil
}

// Info looks up another user's display name by id.
func (a *App) Info(ctx context.Context) error {
	userID, err := getSimpleText(a.reader, "User id", os.Stdout)
	if err != nil {
		return err
	}
	return a.session.RequestUserInfo(userID)
}
