package identity

import (
	"context"
	"sync"
)

type memoryRepository struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryRepository builds an in-memory user store for testing.
func NewMemoryRepository() Repository {
	return &memoryRepository{users: make(map[string]User)}
}

func (r *memoryRepository) Upsert(_ context.Context, user User) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.users[user.ID]; ok {
		existing.DisplayName = user.DisplayName
		existing.Role = user.Role
		r.users[user.ID] = existing
		return existing, nil
	}
	user.AssignedIssuerID = ""
	r.users[user.ID] = user
	return user, nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (r *memoryRepository) BindIssuer(_ context.Context, userID, issuerID string, reassign bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if user.AssignedIssuerID != "" && user.AssignedIssuerID != issuerID && !reassign {
		return ErrIssuerConflict
	}
	user.AssignedIssuerID = issuerID
	r.users[userID] = user
	return nil
}
