// Package keystore persists the client's identity and caches between runs:
// the sealed private key, the JWK public key, the friend list, and the set
// of already-applied message ids used for redelivery dedup.
package keystore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/tabrelay/internal/client/cryptox"
	"github.com/dmitrijs2005/tabrelay/internal/client/keystore/migrations"
	"github.com/dmitrijs2005/tabrelay/internal/protocol"
)

// Identity is the locally stored account: the relay-assigned user id plus
// the key pair, private half sealed under the user's passphrase.
type Identity struct {
	UserID      string
	DisplayName string
	PublicKey   protocol.PublicKey
	Sealed      cryptox.SealedKey
}

// Repository is the persistence surface the session and CLI depend on.
type Repository interface {
	SaveIdentity(ctx context.Context, id *Identity) error
	LoadIdentity(ctx context.Context) (*Identity, error)
	ReplaceFriends(ctx context.Context, friends []protocol.Friend) error
	ListFriends(ctx context.Context) ([]protocol.Friend, error)
	MarkSeen(ctx context.Context, messageID string) (bool, error)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	return goose.UpContext(ctx, db, ".")
}

// Open opens (creating if needed) the sqlite keystore at path and brings
// its schema up to date.
func Open(ctx context.Context, path string) (*SQLiteRepository, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore open error: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("keystore migration error: %w", err)
	}

	return NewSQLiteRepository(db), db, nil
}
