package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classmint/classmint/internal/apperr"
)

type inMemoryLedger struct {
	mu      sync.RWMutex
	records []*Record
	latest  map[string]*Record
	now     func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit tests.
func NewInMemory() Ledger {
	return &inMemoryLedger{
		latest: make(map[string]*Record),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *inMemoryLedger) RecordAttempt(_ context.Context, a Attempt) (Record, bool, error) {
	if err := validateAttempt(a); err != nil {
		return Record{}, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.latest[a.RequestID]; ok {
		return *existing, false, nil
	}
	now := l.now()
	rec := &Record{
		ID:           uuid.NewString(),
		RequestID:    a.RequestID,
		Attempt:      1,
		AwardID:      a.AwardID,
		FromWalletID: a.FromWalletID,
		ToWalletID:   a.ToWalletID,
		Kind:         a.Kind,
		Simulated:    a.Simulated,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	l.records = append(l.records, rec)
	l.latest[a.RequestID] = rec
	return *rec, true, nil
}

func (l *inMemoryLedger) Retry(_ context.Context, requestID string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	latest, ok := l.latest[requestID]
	if !ok {
		return Record{}, ErrUnknownRequest
	}
	next, err := nextAttempt(*latest, l.now())
	if err != nil {
		return Record{}, err
	}
	next.ID = uuid.NewString()
	rec := &next
	l.records = append(l.records, rec)
	l.latest[requestID] = rec
	return *rec, nil
}

func (l *inMemoryLedger) MarkSubmitted(_ context.Context, requestID, txRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.latest[requestID]
	if !ok {
		return ErrUnknownRequest
	}
	if rec.Status != StatusPending {
		return ErrAlreadyTerminal
	}
	if err := bindTxRef(rec, txRef); err != nil {
		return err
	}
	rec.UpdatedAt = l.now()
	return nil
}

func (l *inMemoryLedger) MarkConfirmed(_ context.Context, requestID, txRef string, gasUsed uint64) (Record, error) {
	return l.transition(requestID, func(rec *Record, now time.Time) error {
		return confirm(rec, txRef, gasUsed, false, now)
	})
}

func (l *inMemoryLedger) ConfirmLate(_ context.Context, requestID, txRef string, gasUsed uint64) (Record, error) {
	return l.transition(requestID, func(rec *Record, now time.Time) error {
		return confirm(rec, txRef, gasUsed, true, now)
	})
}

func (l *inMemoryLedger) MarkFailed(_ context.Context, requestID string, kind apperr.Kind, reason string) (Record, error) {
	return l.transition(requestID, func(rec *Record, now time.Time) error {
		return fail(rec, kind, reason, false, now)
	})
}

func (l *inMemoryLedger) FailLate(_ context.Context, requestID string, kind apperr.Kind, reason string) (Record, error) {
	return l.transition(requestID, func(rec *Record, now time.Time) error {
		return fail(rec, kind, reason, true, now)
	})
}

// transition applies fn to a copy so a rejected transition leaves the record untouched.
func (l *inMemoryLedger) transition(requestID string, fn func(*Record, time.Time) error) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.latest[requestID]
	if !ok {
		return Record{}, ErrUnknownRequest
	}
	next := *rec
	if err := fn(&next, l.now()); err != nil {
		return *rec, err
	}
	*rec = next
	return next, nil
}

func (l *inMemoryLedger) Get(_ context.Context, requestID string) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.latest[requestID]
	if !ok {
		return Record{}, ErrUnknownRequest
	}
	return *rec, nil
}

func (l *inMemoryLedger) History(_ context.Context, f Filter) ([]Record, error) {
	if f.AwardID == "" && f.WalletID == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "history needs an award or wallet id")
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0)
	for _, rec := range l.records {
		if f.AwardID != "" && rec.AwardID != f.AwardID {
			continue
		}
		if f.WalletID != "" && rec.FromWalletID != f.WalletID && rec.ToWalletID != f.WalletID {
			continue
		}
		out = append(out, *rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *inMemoryLedger) Unsettled(_ context.Context, pendingBefore time.Time, limit int) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0)
	for _, rec := range l.records {
		if l.latest[rec.RequestID] != rec {
			continue
		}
		stalePending := rec.Status == StatusPending && rec.CreatedAt.Before(pendingBefore)
		if !stalePending && !(rec.TimedOut() && rec.TxRef != "") {
			continue
		}
		out = append(out, *rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
