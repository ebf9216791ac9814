package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/classmint/classmint/internal/apperr"
)

// Operation kinds.
const (
	KindMint     = "mint"
	KindTransfer = "transfer"
)

// Record statuses.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

var (
	// ErrUnknownRequest means no record exists for the request id, or none in a state the transition accepts.
	ErrUnknownRequest = apperr.New(apperr.KindUnknownRequest, "no pending transaction record for request")

	// ErrAlreadyTerminal prevents a confirmed or failed record from transitioning again.
	ErrAlreadyTerminal = apperr.New(apperr.KindAlreadyTerminal, "transaction record is already confirmed or failed")

	// ErrTxRefConflict means a pending record is already bound to another transaction.
	ErrTxRefConflict = apperr.New(apperr.KindInvalidInput, "transaction record already bound to a different tx ref")

	// ErrNotRetryable means the latest attempt cannot be followed by a new submission.
	ErrNotRetryable = apperr.New(apperr.KindAlreadyTerminal, "latest attempt is not in a retryable state")
)

// Attempt describes an issuance or transfer about to be submitted.
type Attempt struct {
	RequestID    string
	AwardID      string
	FromWalletID string
	ToWalletID   string
	Kind         string
	Simulated    bool
}

// Record is one append-only row of the transaction trail. A request id may
// own several records when a retryable failure is followed by a new attempt;
// the highest Attempt is authoritative.
type Record struct {
	ID           string
	RequestID    string
	Attempt      int
	AwardID      string
	FromWalletID string
	ToWalletID   string
	Kind         string
	TxRef        string
	Simulated    bool
	Status       string
	GasUsed      uint64
	ErrorKind    apperr.Kind
	ErrorReason  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ConfirmedAt  *time.Time
}

// Terminal reports whether the record is confirmed or failed.
func (r Record) Terminal() bool {
	return r.Status == StatusConfirmed || r.Status == StatusFailed
}

// TimedOut reports a failure whose transaction may still be included later.
func (r Record) TimedOut() bool {
	return r.Status == StatusFailed && r.ErrorKind == apperr.KindConfirmationTimeout
}

// Resubmittable reports whether the failure left no chain effect, so a new
// attempt under the same request id cannot double-mint.
func (r Record) Resubmittable() bool {
	if r.Status != StatusFailed {
		return false
	}
	switch r.ErrorKind {
	case apperr.KindGasEstimation, apperr.KindSubmissionRejected, apperr.KindReverted, apperr.KindReserved:
		return true
	}
	return false
}

// Filter selects history rows by award or wallet. Wallet matches either side.
type Filter struct {
	AwardID  string
	WalletID string
}

// Ledger is the durable trail of award operations and the source of truth for
// request idempotency.
type Ledger interface {
	// RecordAttempt inserts a pending record, or returns the latest record for
	// the request id with created=false.
	RecordAttempt(ctx context.Context, a Attempt) (rec Record, created bool, err error)
	// Retry appends a new pending attempt after a resubmittable failure.
	Retry(ctx context.Context, requestID string) (Record, error)
	MarkSubmitted(ctx context.Context, requestID, txRef string) error
	MarkConfirmed(ctx context.Context, requestID, txRef string, gasUsed uint64) (Record, error)
	// ConfirmLate also accepts a record that failed with a confirmation timeout.
	ConfirmLate(ctx context.Context, requestID, txRef string, gasUsed uint64) (Record, error)
	MarkFailed(ctx context.Context, requestID string, kind apperr.Kind, reason string) (Record, error)
	// FailLate replaces the reason of a timed-out record once its outcome is known.
	FailLate(ctx context.Context, requestID string, kind apperr.Kind, reason string) (Record, error)
	Get(ctx context.Context, requestID string) (Record, error)
	History(ctx context.Context, f Filter) ([]Record, error)
	// Unsettled lists records reconciliation should look at: pending rows
	// created before pendingBefore and timed-out rows that carry a tx ref.
	Unsettled(ctx context.Context, pendingBefore time.Time, limit int) ([]Record, error)
}

func validateAttempt(a Attempt) error {
	if a.RequestID == "" {
		return apperr.New(apperr.KindInvalidInput, "request id is required")
	}
	if a.AwardID == "" || a.ToWalletID == "" {
		return apperr.New(apperr.KindInvalidInput, "award and destination wallet are required")
	}
	if a.Kind != KindMint && a.Kind != KindTransfer {
		return apperr.New(apperr.KindInvalidInput, fmt.Sprintf("unsupported operation kind %q", a.Kind))
	}
	return nil
}

func bindTxRef(rec *Record, txRef string) error {
	if txRef == "" {
		return nil
	}
	if rec.TxRef != "" && rec.TxRef != txRef {
		return fmt.Errorf("%w: have %s, got %s", ErrTxRefConflict, rec.TxRef, txRef)
	}
	rec.TxRef = txRef
	return nil
}

// confirm applies the confirmed transition in place.
func confirm(rec *Record, txRef string, gasUsed uint64, late bool, now time.Time) error {
	switch {
	case rec.Status == StatusPending:
	case late && rec.TimedOut():
		// A timed-out record keeps its tx ref; a late receipt must match it.
	case rec.Terminal():
		return ErrAlreadyTerminal
	default:
		return ErrUnknownRequest
	}
	if err := bindTxRef(rec, txRef); err != nil {
		return err
	}
	rec.Status = StatusConfirmed
	rec.GasUsed = gasUsed
	rec.ErrorKind = ""
	rec.ErrorReason = ""
	rec.UpdatedAt = now
	rec.ConfirmedAt = &now
	return nil
}

func fail(rec *Record, kind apperr.Kind, reason string, late bool, now time.Time) error {
	switch {
	case !late && rec.Status == StatusPending:
	case late && rec.TimedOut():
	case rec.Terminal():
		return ErrAlreadyTerminal
	default:
		return ErrUnknownRequest
	}
	if kind == "" {
		kind = apperr.KindInternal
	}
	rec.Status = StatusFailed
	rec.ErrorKind = kind
	rec.ErrorReason = reason
	rec.UpdatedAt = now
	return nil
}

func nextAttempt(latest Record, now time.Time) (Record, error) {
	if !latest.Resubmittable() {
		return Record{}, fmt.Errorf("%w: status %s (%s)", ErrNotRetryable, latest.Status, latest.ErrorKind)
	}
	return Record{
		RequestID:    latest.RequestID,
		Attempt:      latest.Attempt + 1,
		AwardID:      latest.AwardID,
		FromWalletID: latest.FromWalletID,
		ToWalletID:   latest.ToWalletID,
		Kind:         latest.Kind,
		Simulated:    latest.Simulated,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}
