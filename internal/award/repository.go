package award

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classmint/classmint/internal/ledger"
)

// Repository persists awards. Settle is the only way ownership changes.
type Repository interface {
	// Create inserts the award or returns the existing one with the same id.
	Create(ctx context.Context, a Award) (Award, bool, error)
	Get(ctx context.Context, id string) (Award, error)
	ListByOwner(ctx context.Context, walletID string) ([]Award, error)
	ListPool(ctx context.Context, creatorWalletID string) ([]Award, error)
	// Reserve claims an unassigned award for requestID. It fails with
	// ErrAlreadyAssigned or ErrReserved when another request got there first.
	Reserve(ctx context.Context, awardID, requestID string) error
	// Release drops a reservation held by requestID.
	Release(ctx context.Context, awardID, requestID string) error
	// Settle confirms the ledger record and applies the settlement in one
	// atomic step and clears the reservation. Assigning an award that already
	// has a different owner returns ErrAlreadyAssigned and changes nothing.
	Settle(ctx context.Context, s Settlement) (Award, error)
}

// PostgresRepository stores awards in the nfts table.
type PostgresRepository struct {
	db     *pgxpool.Pool
	ledger *ledger.PostgresLedger
}

// NewPostgresRepository builds a repository that settles through the given ledger.
func NewPostgresRepository(db *pgxpool.Pool, l *ledger.PostgresLedger) *PostgresRepository {
	return &PostgresRepository{db: db, ledger: l}
}

const awardColumns = `id, token_id, contract_address, metadata, creator_wallet_id, owner_wallet_id, network, created_at, assigned_at, reserved_by`

// Create inserts an unassigned award.
func (r *PostgresRepository) Create(ctx context.Context, a Award) (Award, bool, error) {
	id, err := uuid.Parse(a.ID)
	if err != nil {
		return Award{}, false, fmt.Errorf("award id: %w", err)
	}
	creator, err := uuid.Parse(a.CreatorWalletID)
	if err != nil {
		return Award{}, false, fmt.Errorf("creator wallet id: %w", err)
	}
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return Award{}, false, fmt.Errorf("encode metadata: %w", err)
	}

	cmd, err := r.db.Exec(ctx, `INSERT INTO nfts
        (id, token_id, contract_address, metadata, creator_wallet_id, owner_wallet_id, network, created_at)
        VALUES ($1, $2, $3, $4, $5, NULL, $6, $7)
        ON CONFLICT (id) DO NOTHING`,
		id, a.TokenID, a.ContractAddress, meta, creator, a.Network, a.CreatedAt.UTC())
	if err != nil {
		return Award{}, false, err
	}
	stored, err := r.Get(ctx, a.ID)
	if err != nil {
		return Award{}, false, err
	}
	return stored, cmd.RowsAffected() == 1, nil
}

// Get fetches an award by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Award, error) {
	awardID, err := uuid.Parse(id)
	if err != nil {
		return Award{}, ErrAwardNotFound
	}
	return scanAward(r.db.QueryRow(ctx, `SELECT `+awardColumns+` FROM nfts WHERE id = $1`, awardID))
}

// ListByOwner returns awards held by a wallet, newest first.
func (r *PostgresRepository) ListByOwner(ctx context.Context, walletID string) ([]Award, error) {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return []Award{}, nil
	}
	rows, err := r.db.Query(ctx, `SELECT `+awardColumns+` FROM nfts
        WHERE owner_wallet_id = $1 ORDER BY assigned_at DESC`, id)
	if err != nil {
		return nil, err
	}
	return collectAwards(rows)
}

// ListPool returns a creator's unassigned awards, oldest first.
func (r *PostgresRepository) ListPool(ctx context.Context, creatorWalletID string) ([]Award, error) {
	id, err := uuid.Parse(creatorWalletID)
	if err != nil {
		return []Award{}, nil
	}
	rows, err := r.db.Query(ctx, `SELECT `+awardColumns+` FROM nfts
        WHERE creator_wallet_id = $1 AND owner_wallet_id IS NULL ORDER BY created_at`, id)
	if err != nil {
		return nil, err
	}
	return collectAwards(rows)
}

// Settle locks the award row, confirms the ledger record and applies the
// compare-and-set on owner_wallet_id inside one transaction.
func (r *PostgresRepository) Settle(ctx context.Context, s Settlement) (Award, error) {
	awardID, err := uuid.Parse(s.AwardID)
	if err != nil {
		return Award{}, ErrAwardNotFound
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Award{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	current, err := scanAward(tx.QueryRow(ctx, `SELECT `+awardColumns+` FROM nfts WHERE id = $1 FOR UPDATE`, awardID))
	if err != nil {
		return Award{}, err
	}
	if s.OwnerWalletID != "" && current.Assigned() {
		if *current.OwnerWalletID == s.OwnerWalletID && r.alreadySettled(ctx, s.RequestID) {
			return current, nil
		}
		return current, ErrAlreadyAssigned
	}
	if s.OwnerWalletID != "" && current.ReservedBy != "" && current.ReservedBy != s.RequestID {
		return current, ErrReserved
	}

	if _, err := r.ledger.ConfirmInTx(ctx, tx, s.RequestID, s.TxRef, s.GasUsed, s.Late); err != nil {
		return current, err
	}

	tokenID := current.TokenID
	if tokenID == "" {
		tokenID = s.TokenID
	}
	if s.OwnerWalletID == "" {
		if _, err := tx.Exec(ctx, `UPDATE nfts SET token_id = $1,
            reserved_by = CASE WHEN reserved_by = $2 THEN '' ELSE reserved_by END
            WHERE id = $3`, tokenID, s.RequestID, awardID); err != nil {
			return Award{}, err
		}
	} else {
		owner, err := uuid.Parse(s.OwnerWalletID)
		if err != nil {
			return Award{}, fmt.Errorf("owner wallet id: %w", err)
		}
		cmd, err := tx.Exec(ctx, `UPDATE nfts SET owner_wallet_id = $1, token_id = $2, assigned_at = $3, reserved_by = ''
            WHERE id = $4 AND owner_wallet_id IS NULL`, owner, tokenID, time.Now().UTC(), awardID)
		if err != nil {
			return Award{}, err
		}
		if cmd.RowsAffected() == 0 {
			return current, ErrAlreadyAssigned
		}
	}

	settled, err := scanAward(tx.QueryRow(ctx, `SELECT `+awardColumns+` FROM nfts WHERE id = $1`, awardID))
	if err != nil {
		return Award{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Award{}, err
	}
	return settled, nil
}

// Reserve sets reserved_by with a conditional update.
func (r *PostgresRepository) Reserve(ctx context.Context, awardID, requestID string) error {
	id, err := uuid.Parse(awardID)
	if err != nil {
		return ErrAwardNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE nfts SET reserved_by = $1
        WHERE id = $2 AND owner_wallet_id IS NULL AND (reserved_by = '' OR reserved_by = $1)`, requestID, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 1 {
		return nil
	}
	current, err := r.Get(ctx, awardID)
	if err != nil {
		return err
	}
	if current.Assigned() {
		return ErrAlreadyAssigned
	}
	return ErrReserved
}

// Release clears reserved_by when requestID holds it.
func (r *PostgresRepository) Release(ctx context.Context, awardID, requestID string) error {
	id, err := uuid.Parse(awardID)
	if err != nil {
		return ErrAwardNotFound
	}
	_, err = r.db.Exec(ctx, `UPDATE nfts SET reserved_by = '' WHERE id = $1 AND reserved_by = $2`, id, requestID)
	return err
}

func (r *PostgresRepository) alreadySettled(ctx context.Context, requestID string) bool {
	rec, err := r.ledger.Get(ctx, requestID)
	return err == nil && rec.Status == ledger.StatusConfirmed
}

func collectAwards(rows pgx.Rows) ([]Award, error) {
	defer rows.Close()
	out := make([]Award, 0)
	for rows.Next() {
		a, err := scanAward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAward(row pgx.Row) (Award, error) {
	var (
		a          Award
		id         uuid.UUID
		creator    uuid.UUID
		owner      uuid.NullUUID
		meta       []byte
		assignedAt *time.Time
	)
	if err := row.Scan(&id, &a.TokenID, &a.ContractAddress, &meta, &creator, &owner, &a.Network, &a.CreatedAt, &assignedAt, &a.ReservedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Award{}, ErrAwardNotFound
		}
		return Award{}, err
	}
	if err := json.Unmarshal(meta, &a.Metadata); err != nil {
		return Award{}, fmt.Errorf("decode metadata: %w", err)
	}
	a.ID = id.String()
	a.CreatorWalletID = creator.String()
	if owner.Valid {
		ownerID := owner.UUID.String()
		a.OwnerWalletID = &ownerID
	}
	a.CreatedAt = a.CreatedAt.UTC()
	if assignedAt != nil {
		t := assignedAt.UTC()
		a.AssignedAt = &t
	}
	return a, nil
}
