package keystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/tabrelay/internal/common"
	"github.com/dmitrijs2005/tabrelay/internal/dbx"
	"github.com/dmitrijs2005/tabrelay/internal/protocol"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// SaveIdentity upserts the single identity row. The keystore holds one
// account at a time.
func (r *SQLiteRepository) SaveIdentity(ctx context.Context, id *Identity) error {
	jwk, err := json.Marshal(id.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO identity (id, user_id, display_name, public_key, key_salt, key_nonce, key_ciphertext)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			display_name = excluded.display_name,
			public_key = excluded.public_key,
			key_salt = excluded.key_salt,
			key_nonce = excluded.key_nonce,
			key_ciphertext = excluded.key_ciphertext
	`, id.UserID, id.DisplayName, string(jwk), id.Sealed.Salt, id.Sealed.Nonce, id.Sealed.Ciphertext)
	if err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

// LoadIdentity returns the stored identity, or common.ErrorNotFound when
// the keystore has not been initialised yet.
func (r *SQLiteRepository) LoadIdentity(ctx context.Context) (*Identity, error) {
	var (
		id  Identity
		jwk string
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, public_key, key_salt, key_nonce, key_ciphertext
		FROM identity WHERE id = 1
	`).Scan(&id.UserID, &id.DisplayName, &jwk, &id.Sealed.Salt, &id.Sealed.Nonce, &id.Sealed.Ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	if err := json.Unmarshal([]byte(jwk), &id.PublicKey); err != nil {
		return nil, fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return &id, nil
}

// ReplaceFriends swaps the cached friend list for the one just pushed by
// the relay.
func (r *SQLiteRepository) ReplaceFriends(ctx context.Context, friends []protocol.Friend) error {
	db, ok := r.db.(*sql.DB)
	if !ok {
		return r.replaceFriends(ctx, r.db, friends)
	}
	return dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return r.replaceFriends(ctx, tx, friends)
	})
}

func (r *SQLiteRepository) replaceFriends(ctx context.Context, db dbx.DBTX, friends []protocol.Friend) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM friends`); err != nil {
		return fmt.Errorf("failed to clear friends: %w", err)
	}

	for _, f := range friends {
		jwk, err := json.Marshal(f.PublicKey)
		if err != nil {
			return fmt.Errorf("failed to marshal friend key: %w", err)
		}
		_, err = db.ExecContext(ctx, `
			INSERT INTO friends (id, display_name, public_key) VALUES (?, ?, ?)
		`, f.ID, f.DisplayName, string(jwk))
		if err != nil {
			return fmt.Errorf("failed to insert friend %s: %w", f.ID, err)
		}
	}
	return nil
}

func (r *SQLiteRepository) ListFriends(ctx context.Context) ([]protocol.Friend, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, display_name, public_key FROM friends ORDER BY display_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list friends: %w", err)
	}
	defer rows.Close()

	var result []protocol.Friend
	for rows.Next() {
		var (
			f   protocol.Friend
			jwk string
		)
		if err := rows.Scan(&f.ID, &f.DisplayName, &jwk); err != nil {
			return nil, fmt.Errorf("failed to scan friend row: %w", err)
		}
		if err := json.Unmarshal([]byte(jwk), &f.PublicKey); err != nil {
			return nil, fmt.Errorf("failed to unmarshal friend key: %w", err)
		}
		result = append(result, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate friend rows: %w", err)
	}
	return result, nil
}

// MarkSeen records a delivered message id. It reports true the first time
// an id is seen and false on redelivery, which is what the session uses to
// suppress duplicate applies.
func (r *SQLiteRepository) MarkSeen(ctx context.Context, messageID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO seen_messages (id) VALUES (?) ON CONFLICT(id) DO NOTHING
	`, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to mark message %s: %w", messageID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
