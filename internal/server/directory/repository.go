// Package directory is the durable User Directory: one record per user,
// keyed by identifier. It survives restarts; the Connection Registry does
// not and is rebuilt from logins.
package directory

import (
	"context"

	"github.com/dmitrijs2005/tabrelay/internal/protocol"
	"github.com/dmitrijs2005/tabrelay/internal/server/models"
)

// Repository persists user records. Save follows last-writer-wins at record
// granularity; callers read-modify-write whole records and serialize access
// per user id themselves (see relay.Service).
type Repository interface {
	// Create assigns a fresh unique id and persists a new user record.
	Create(ctx context.Context, displayName string, publicKey protocol.PublicKey) (*models.User, error)

	// ByID returns the user record, or common.ErrorNotFound.
	ByID(ctx context.Context, id string) (*models.User, error)

	// Save persists the full record.
	Save(ctx context.Context, user *models.User) error
}
