package vault

import (
	"context"
	"sync"
)

type memoryRepository struct {
	mu      sync.RWMutex
	wallets map[string]Wallet
	byOwner map[string]string
	keys    map[string]EncryptedKey
}

// NewMemoryRepository constructs an in-memory repository for tests and dev mode.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		wallets: make(map[string]Wallet),
		byOwner: make(map[string]string),
		keys:    make(map[string]EncryptedKey),
	}
}

func (r *memoryRepository) Create(_ context.Context, wallet Wallet, key EncryptedKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byOwner[wallet.OwnerUserID]; exists {
		return errWalletExists
	}
	r.wallets[wallet.ID] = wallet
	r.byOwner[wallet.OwnerUserID] = wallet.ID
	if wallet.HasCustodialKey {
		r.keys[wallet.ID] = key
	}
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wallet, ok := r.wallets[id]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return wallet, nil
}

func (r *memoryRepository) GetByOwner(_ context.Context, userID string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byOwner[userID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return r.wallets[id], nil
}

func (r *memoryRepository) GetKey(_ context.Context, walletID string) (EncryptedKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[walletID]
	if !ok {
		return EncryptedKey{}, ErrKeyNotFound
	}
	return key, nil
}

func (r *memoryRepository) UpdateKey(_ context.Context, key EncryptedKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key.WalletID]; !ok {
		return ErrKeyNotFound
	}
	r.keys[key.WalletID] = key
	return nil
}

func (r *memoryRepository) SetStatus(_ context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wallet, ok := r.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	wallet.Status = status
	r.wallets[id] = wallet
	return nil
}
