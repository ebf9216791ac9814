package vault

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// errWalletExists is returned by repositories when the owner already has a wallet.
var errWalletExists = errors.New("wallet exists")

// Repository persists wallets and their sealed keys.
type Repository interface {
	Create(ctx context.Context, wallet Wallet, key EncryptedKey) error
	Get(ctx context.Context, id string) (Wallet, error)
	GetByOwner(ctx context.Context, userID string) (Wallet, error)
	GetKey(ctx context.Context, walletID string) (EncryptedKey, error)
	UpdateKey(ctx context.Context, key EncryptedKey) error
	SetStatus(ctx context.Context, id, status string) error
}

// PostgresRepository stores wallets in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts the wallet row and its sealed key in one transaction. The unique
// owner constraint turns concurrent creations into errWalletExists.
func (r *PostgresRepository) Create(ctx context.Context, wallet Wallet, key EncryptedKey) error {
	walletID, err := uuid.Parse(wallet.ID)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	cmd, err := tx.Exec(ctx, `INSERT INTO wallets (id, user_id, address, kind, has_custodial_key, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (user_id) DO NOTHING`,
		walletID, wallet.OwnerUserID, wallet.Address, wallet.Kind, wallet.HasCustodialKey, wallet.Status, wallet.CreatedAt.UTC())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return errWalletExists
	}

	if wallet.HasCustodialKey {
		if _, err := tx.Exec(ctx, `INSERT INTO encrypted_wallets
            (wallet_id, user_id, wallet_address, encrypted_private_key, encryption_salt, encryption_nonce, algorithm, key_id, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			walletID, key.UserID, key.Address, key.Ciphertext, key.Salt, key.Nonce, key.Algorithm, key.KeyID, key.CreatedAt.UTC()); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

const walletColumns = `id, user_id, address, kind, has_custodial_key, status, created_at`

// Get fetches wallet metadata by identifier.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Wallet, error) {
	walletUUID, err := uuid.Parse(id)
	if err != nil {
		return Wallet{}, ErrWalletNotFound
	}
	return scanWallet(r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletUUID))
}

// GetByOwner fetches the wallet owned by a user.
func (r *PostgresRepository) GetByOwner(ctx context.Context, userID string) (Wallet, error) {
	return scanWallet(r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
}

// GetKey loads the sealed key of a wallet.
func (r *PostgresRepository) GetKey(ctx context.Context, walletID string) (EncryptedKey, error) {
	walletUUID, err := uuid.Parse(walletID)
	if err != nil {
		return EncryptedKey{}, ErrKeyNotFound
	}
	row := r.db.QueryRow(ctx, `SELECT wallet_id, user_id, wallet_address, encrypted_private_key, encryption_salt,
            encryption_nonce, algorithm, key_id, created_at
        FROM encrypted_wallets WHERE wallet_id = $1`, walletUUID)
	var (
		k         EncryptedKey
		idVal     uuid.UUID
		createdAt time.Time
	)
	if err := row.Scan(&idVal, &k.UserID, &k.Address, &k.Ciphertext, &k.Salt, &k.Nonce, &k.Algorithm, &k.KeyID, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EncryptedKey{}, ErrKeyNotFound
		}
		return EncryptedKey{}, err
	}
	k.WalletID = idVal.String()
	k.CreatedAt = createdAt.UTC()
	return k, nil
}

// UpdateKey replaces the sealed key material, used when re-encrypting under a new master key.
func (r *PostgresRepository) UpdateKey(ctx context.Context, key EncryptedKey) error {
	walletUUID, err := uuid.Parse(key.WalletID)
	if err != nil {
		return ErrKeyNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE encrypted_wallets
        SET encrypted_private_key = $1, encryption_salt = $2, encryption_nonce = $3, algorithm = $4, key_id = $5
        WHERE wallet_id = $6`, key.Ciphertext, key.Salt, key.Nonce, key.Algorithm, key.KeyID, walletUUID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// SetStatus updates the wallet status.
func (r *PostgresRepository) SetStatus(ctx context.Context, id, status string) error {
	walletUUID, err := uuid.Parse(id)
	if err != nil {
		return ErrWalletNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE wallets SET status = $1 WHERE id = $2`, status, walletUUID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w         Wallet
		idVal     uuid.UUID
		createdAt time.Time
	)
	if err := row.Scan(&idVal, &w.OwnerUserID, &w.Address, &w.Kind, &w.HasCustodialKey, &w.Status, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}
	w.ID = idVal.String()
	w.CreatedAt = createdAt.UTC()
	return w, nil
}
