package award

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/classmint/classmint/internal/ledger"
)

type memoryRepository struct {
	mu     sync.Mutex
	awards map[string]Award
	ledger ledger.Ledger
}

// NewMemoryRepository returns an in-memory repository that settles through l.
// The repository mutex spans the ledger confirmation, which makes Settle
// atomic within the process.
func NewMemoryRepository(l ledger.Ledger) Repository {
	return &memoryRepository{awards: make(map[string]Award), ledger: l}
}

func (r *memoryRepository) Create(_ context.Context, a Award) (Award, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.awards[a.ID]; ok {
		return clone(existing), false, nil
	}
	a.OwnerWalletID = nil
	a.AssignedAt = nil
	a.ReservedBy = ""
	r.awards[a.ID] = clone(a)
	return clone(a), true, nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Award, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.awards[id]
	if !ok {
		return Award{}, ErrAwardNotFound
	}
	return clone(a), nil
}

func (r *memoryRepository) ListByOwner(_ context.Context, walletID string) ([]Award, error) {
	return r.list(func(a Award) bool { return a.OwnerWalletID != nil && *a.OwnerWalletID == walletID }), nil
}

func (r *memoryRepository) ListPool(_ context.Context, creatorWalletID string) ([]Award, error) {
	return r.list(func(a Award) bool { return a.CreatorWalletID == creatorWalletID && a.OwnerWalletID == nil }), nil
}

func (r *memoryRepository) list(match func(Award) bool) []Award {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Award, 0)
	for _, a := range r.awards {
		if match(a) {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *memoryRepository) Reserve(_ context.Context, awardID, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.awards[awardID]
	if !ok {
		return ErrAwardNotFound
	}
	if current.Assigned() {
		return ErrAlreadyAssigned
	}
	if current.ReservedBy != "" && current.ReservedBy != requestID {
		return ErrReserved
	}
	current.ReservedBy = requestID
	r.awards[awardID] = current
	return nil
}

func (r *memoryRepository) Release(_ context.Context, awardID, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.awards[awardID]
	if !ok {
		return ErrAwardNotFound
	}
	if current.ReservedBy == requestID {
		current.ReservedBy = ""
		r.awards[awardID] = current
	}
	return nil
}

func (r *memoryRepository) Settle(ctx context.Context, s Settlement) (Award, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.awards[s.AwardID]
	if !ok {
		return Award{}, ErrAwardNotFound
	}
	if s.OwnerWalletID != "" && current.Assigned() {
		if *current.OwnerWalletID == s.OwnerWalletID {
			if rec, err := r.ledger.Get(ctx, s.RequestID); err == nil && rec.Status == ledger.StatusConfirmed {
				return clone(current), nil
			}
		}
		return clone(current), ErrAlreadyAssigned
	}
	if s.OwnerWalletID != "" && current.ReservedBy != "" && current.ReservedBy != s.RequestID {
		return clone(current), ErrReserved
	}

	var err error
	if s.Late {
		_, err = r.ledger.ConfirmLate(ctx, s.RequestID, s.TxRef, s.GasUsed)
	} else {
		_, err = r.ledger.MarkConfirmed(ctx, s.RequestID, s.TxRef, s.GasUsed)
	}
	if err != nil {
		return clone(current), err
	}

	if current.TokenID == "" {
		current.TokenID = s.TokenID
	}
	if current.ReservedBy == s.RequestID {
		current.ReservedBy = ""
	}
	if s.OwnerWalletID != "" {
		owner := s.OwnerWalletID
		now := time.Now().UTC()
		current.OwnerWalletID = &owner
		current.AssignedAt = &now
	}
	r.awards[s.AwardID] = current
	return clone(current), nil
}

func clone(a Award) Award {
	if a.OwnerWalletID != nil {
		owner := *a.OwnerWalletID
		a.OwnerWalletID = &owner
	}
	if a.AssignedAt != nil {
		t := *a.AssignedAt
		a.AssignedAt = &t
	}
	if a.Metadata.Attributes != nil {
		a.Metadata.Attributes = append([]Attribute(nil), a.Metadata.Attributes...)
	}
	return a
}
