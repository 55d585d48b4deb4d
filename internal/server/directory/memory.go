package directory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/tabrelay/internal/common"
	"github.com/dmitrijs2005/tabrelay/internal/protocol"
	"github.com/dmitrijs2005/tabrelay/internal/server/models"
)

// MemoryRepository keeps all user records in process memory. Used for tests
// and for running the relay without a database (-d mem).
type MemoryRepository struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]*models.User)}
}

func (r *MemoryRepository) Create(ctx context.Context, displayName string, publicKey protocol.PublicKey) (*models.User, error) {
	user := &models.User{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		PublicKey:   publicKey,
		Friends:     []string{},
		Mailbox:     []models.PendingMessage{},
	}

	r.mu.Lock()
	r.users[user.ID] = user.Clone()
	r.mu.Unlock()

	return user, nil
}

func (r *MemoryRepository) ByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return user.Clone(), nil
}

func (r *MemoryRepository) Save(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	r.users[user.ID] = user.Clone()
	r.mu.Unlock()
	return nil
}
