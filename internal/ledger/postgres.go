package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classmint/classmint/internal/apperr"
)

// PostgresLedger persists transaction records in PostgreSQL.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const recordColumns = `id, request_id, attempt, nft_id, from_wallet_id, to_wallet_id, kind, transaction_hash,
    simulated, status, gas_used, error_kind, error_reason, created_at, updated_at, confirmed_at`

// RecordAttempt inserts attempt 1 for the request id. The unique (request_id,
// attempt) constraint makes concurrent callers converge on the same row.
func (l *PostgresLedger) RecordAttempt(ctx context.Context, a Attempt) (Record, bool, error) {
	if err := validateAttempt(a); err != nil {
		return Record{}, false, err
	}
	awardID, err := uuid.Parse(a.AwardID)
	if err != nil {
		return Record{}, false, apperr.Wrap(apperr.KindInvalidInput, err, "award id")
	}
	toWallet, err := uuid.Parse(a.ToWalletID)
	if err != nil {
		return Record{}, false, apperr.Wrap(apperr.KindInvalidInput, err, "destination wallet id")
	}
	fromWallet, err := parseNullUUID(a.FromWalletID)
	if err != nil {
		return Record{}, false, apperr.Wrap(apperr.KindInvalidInput, err, "source wallet id")
	}

	now := time.Now().UTC()
	cmd, err := l.db.Exec(ctx, `INSERT INTO transactions
        (id, request_id, attempt, nft_id, from_wallet_id, to_wallet_id, kind, simulated, status, created_at, updated_at)
        VALUES ($1, $2, 1, $3, $4, $5, $6, $7, $8, $9, $9)
        ON CONFLICT (request_id, attempt) DO NOTHING`,
		uuid.New(), a.RequestID, awardID, fromWallet, toWallet, a.Kind, a.Simulated, StatusPending, now)
	if err != nil {
		return Record{}, false, err
	}

	rec, err := l.Get(ctx, a.RequestID)
	if err != nil {
		return Record{}, false, err
	}
	return rec, cmd.RowsAffected() == 1, nil
}

// Retry appends the next attempt after a resubmittable failure.
func (l *PostgresLedger) Retry(ctx context.Context, requestID string) (Record, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	latest, err := latestForUpdate(ctx, tx, requestID)
	if err != nil {
		return Record{}, err
	}
	next, err := nextAttempt(latest, time.Now().UTC())
	if err != nil {
		return Record{}, err
	}
	next.ID = uuid.NewString()

	fromWallet, _ := parseNullUUID(next.FromWalletID)
	if _, err := tx.Exec(ctx, `INSERT INTO transactions
        (id, request_id, attempt, nft_id, from_wallet_id, to_wallet_id, kind, simulated, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		uuid.MustParse(next.ID), next.RequestID, next.Attempt, uuid.MustParse(next.AwardID), fromWallet,
		uuid.MustParse(next.ToWalletID), next.Kind, next.Simulated, next.Status, next.CreatedAt); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	return next, nil
}

// MarkSubmitted stores the tx ref on the pending attempt.
func (l *PostgresLedger) MarkSubmitted(ctx context.Context, requestID, txRef string) error {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	rec, err := latestForUpdate(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if rec.Status != StatusPending {
		return ErrAlreadyTerminal
	}
	if err := bindTxRef(&rec, txRef); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := writeRecord(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkConfirmed confirms a pending attempt.
func (l *PostgresLedger) MarkConfirmed(ctx context.Context, requestID, txRef string, gasUsed uint64) (Record, error) {
	return l.inTx(ctx, func(tx pgx.Tx) (Record, error) {
		return l.ConfirmInTx(ctx, tx, requestID, txRef, gasUsed, false)
	})
}

// ConfirmLate confirms a pending or timed-out attempt.
func (l *PostgresLedger) ConfirmLate(ctx context.Context, requestID, txRef string, gasUsed uint64) (Record, error) {
	return l.inTx(ctx, func(tx pgx.Tx) (Record, error) {
		return l.ConfirmInTx(ctx, tx, requestID, txRef, gasUsed, true)
	})
}

// ConfirmInTx confirms the latest attempt inside a caller-owned transaction so
// award ownership and the ledger commit together.
func (l *PostgresLedger) ConfirmInTx(ctx context.Context, tx pgx.Tx, requestID, txRef string, gasUsed uint64, late bool) (Record, error) {
	rec, err := latestForUpdate(ctx, tx, requestID)
	if err != nil {
		return Record{}, err
	}
	if err := confirm(&rec, txRef, gasUsed, late, time.Now().UTC()); err != nil {
		return rec, err
	}
	if err := writeRecord(ctx, tx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// MarkFailed fails a pending attempt.
func (l *PostgresLedger) MarkFailed(ctx context.Context, requestID string, kind apperr.Kind, reason string) (Record, error) {
	return l.failWith(ctx, requestID, kind, reason, false)
}

// FailLate rewrites the outcome of a timed-out attempt.
func (l *PostgresLedger) FailLate(ctx context.Context, requestID string, kind apperr.Kind, reason string) (Record, error) {
	return l.failWith(ctx, requestID, kind, reason, true)
}

func (l *PostgresLedger) failWith(ctx context.Context, requestID string, kind apperr.Kind, reason string, late bool) (Record, error) {
	return l.inTx(ctx, func(tx pgx.Tx) (Record, error) {
		rec, err := latestForUpdate(ctx, tx, requestID)
		if err != nil {
			return Record{}, err
		}
		if err := fail(&rec, kind, reason, late, time.Now().UTC()); err != nil {
			return rec, err
		}
		if err := writeRecord(ctx, tx, rec); err != nil {
			return Record{}, err
		}
		return rec, nil
	})
}

func (l *PostgresLedger) inTx(ctx context.Context, fn func(pgx.Tx) (Record, error)) (Record, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	rec, err := fn(tx)
	if err != nil {
		return rec, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get returns the latest attempt for a request id.
func (l *PostgresLedger) Get(ctx context.Context, requestID string) (Record, error) {
	row := l.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM transactions
        WHERE request_id = $1 ORDER BY attempt DESC LIMIT 1`, requestID)
	return scanRecord(row)
}

// History lists records for an award or a wallet, oldest first.
func (l *PostgresLedger) History(ctx context.Context, f Filter) ([]Record, error) {
	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case f.AwardID != "":
		id, perr := uuid.Parse(f.AwardID)
		if perr != nil {
			return []Record{}, nil
		}
		rows, err = l.db.Query(ctx, `SELECT `+recordColumns+` FROM transactions
            WHERE nft_id = $1 ORDER BY created_at, attempt`, id)
	case f.WalletID != "":
		id, perr := uuid.Parse(f.WalletID)
		if perr != nil {
			return []Record{}, nil
		}
		rows, err = l.db.Query(ctx, `SELECT `+recordColumns+` FROM transactions
            WHERE from_wallet_id = $1 OR to_wallet_id = $1 ORDER BY created_at, attempt`, id)
	default:
		return nil, apperr.New(apperr.KindInvalidInput, "history needs an award or wallet id")
	}
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// Unsettled lists latest attempts that need reconciliation.
func (l *PostgresLedger) Unsettled(ctx context.Context, pendingBefore time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Query(ctx, `SELECT `+recordColumns+` FROM transactions t
        WHERE t.attempt = (SELECT MAX(attempt) FROM transactions WHERE request_id = t.request_id)
          AND ((t.status = $1 AND t.created_at < $2)
            OR (t.status = $3 AND t.error_kind = $4 AND t.transaction_hash <> ''))
        ORDER BY t.created_at
        LIMIT $5`,
		StatusPending, pendingBefore.UTC(), StatusFailed, string(apperr.KindConfirmationTimeout), limit)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func latestForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (Record, error) {
	row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM transactions
        WHERE request_id = $1 ORDER BY attempt DESC LIMIT 1 FOR UPDATE`, requestID)
	return scanRecord(row)
}

func writeRecord(ctx context.Context, tx pgx.Tx, rec Record) error {
	_, err := tx.Exec(ctx, `UPDATE transactions
        SET transaction_hash = $1, status = $2, gas_used = $3, error_kind = $4, error_reason = $5,
            updated_at = $6, confirmed_at = $7
        WHERE request_id = $8 AND attempt = $9`,
		rec.TxRef, rec.Status, int64(rec.GasUsed), string(rec.ErrorKind), rec.ErrorReason,
		rec.UpdatedAt, rec.ConfirmedAt, rec.RequestID, rec.Attempt)
	return err
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec         Record
		id, awardID uuid.UUID
		from        uuid.NullUUID
		to          uuid.UUID
		gasUsed     int64
		errorKind   string
		confirmedAt *time.Time
	)
	if err := row.Scan(&id, &rec.RequestID, &rec.Attempt, &awardID, &from, &to, &rec.Kind, &rec.TxRef,
		&rec.Simulated, &rec.Status, &gasUsed, &errorKind, &rec.ErrorReason, &rec.CreatedAt, &rec.UpdatedAt, &confirmedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrUnknownRequest
		}
		return Record{}, err
	}
	rec.ID = id.String()
	rec.AwardID = awardID.String()
	if from.Valid {
		rec.FromWalletID = from.UUID.String()
	}
	rec.ToWalletID = to.String()
	rec.GasUsed = uint64(gasUsed)
	rec.ErrorKind = apperr.Kind(errorKind)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if confirmedAt != nil {
		t := confirmedAt.UTC()
		rec.ConfirmedAt = &t
	}
	return rec, nil
}

func parseNullUUID(s string) (uuid.NullUUID, error) {
	if s == "" {
		return uuid.NullUUID{}, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.NullUUID{}, err
	}
	return uuid.NullUUID{UUID: id, Valid: true}, nil
}

var _ Ledger = (*PostgresLedger)(nil)
