package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/tabrelay/internal/common"
	"github.com/dmitrijs2005/tabrelay/internal/dbx"
	"github.com/dmitrijs2005/tabrelay/internal/protocol"
	"github.com/dmitrijs2005/tabrelay/internal/server/models"
)

// PostgresRepository stores one row per user; public key, friend set and
// mailbox are jsonb columns written whole, matching the record-granularity
// write model of the directory.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, displayName string, publicKey protocol.PublicKey) (*models.User, error) {

	user := &models.User{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		PublicKey:   publicKey,
		Friends:     []string{},
		Mailbox:     []models.PendingMessage{},
	}

	key, friends, mailbox, err := marshalParts(user)
	if err != nil {
		return nil, err
	}

	query :=
		`INSERT INTO users (id, display_name, public_key, friends, mailbox)
		 VALUES ($1, $2, $3, $4, $5)
		 `

	if _, err := r.db.ExecContext(ctx, query, user.ID, user.DisplayName, key, friends, mailbox); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

func (r *PostgresRepository) ByID(ctx context.Context, id string) (*models.User, error) {
	query :=
		`SELECT id, display_name, public_key, friends, mailbox FROM users
		 WHERE id = $1
		 `

	user := &models.User{}
	var key, friends, mailbox []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.DisplayName, &key, &friends, &mailbox)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	if err := json.Unmarshal(key, &user.PublicKey); err != nil {
		return nil, fmt.Errorf("decode public_key: %w", err)
	}
	if err := json.Unmarshal(friends, &user.Friends); err != nil {
		return nil, fmt.Errorf("decode friends: %w", err)
	}
	if err := json.Unmarshal(mailbox, &user.Mailbox); err != nil {
		return nil, fmt.Errorf("decode mailbox: %w", err)
	}

	return user, nil
}

func (r *PostgresRepository) Save(ctx context.Context, user *models.User) error {

	key, friends, mailbox, err := marshalParts(user)
	if err != nil {
		return err
	}

	query :=
		`UPDATE users SET display_name = $2, public_key = $3, friends = $4, mailbox = $5
		 WHERE id = $1
		 `

	res, err := r.db.ExecContext(ctx, query, user.ID, user.DisplayName, key, friends, mailbox)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return common.ErrorNotFound
	}

	return nil
}

func marshalParts(user *models.User) (key, friends, mailbox []byte, err error) {
	if key, err = json.Marshal(user.PublicKey); err != nil {
		return nil, nil, nil, fmt.Errorf("encode public_key: %w", err)
	}
	if friends, err = json.Marshal(user.Friends); err != nil {
		return nil, nil, nil, fmt.Errorf("encode friends: %w", err)
	}
	if mailbox, err = json.Marshal(user.Mailbox); err != nil {
		return nil, nil, nil, fmt.Errorf("encode mailbox: %w", err)
	}
	return key, friends, mailbox, nil
}
