package vault

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/classmint/classmint/internal/apperr"
)

var (
	// ErrKeyNotFound means the wallet has no sealed key on record.
	ErrKeyNotFound = apperr.New(apperr.KindKeyNotFound, "custodial key not found")
	// ErrDecryptionFailed covers corrupt ciphertext or salt and master keys that were
	// rotated without re-encrypting the record.
	ErrDecryptionFailed = apperr.New(apperr.KindDecryptionFailed, "custodial key could not be decrypted")
	// ErrWalletNotFound means no wallet matches the lookup.
	ErrWalletNotFound = apperr.New(apperr.KindNotFound, "wallet not found")
	// ErrWalletInactive is returned when a deactivated wallet is asked to sign.
	ErrWalletInactive = apperr.New(apperr.KindUnauthorized, "wallet is deactivated")
)

// Vault generates custodial keys, keeps them sealed at rest and signs with them.
// Plaintext key material only lives inside CreateWallet and Sign.
type Vault struct {
	repo   Repository
	seal   sealer
	logger *slog.Logger
}

// NewVault builds a vault over a repository and master key provider.
func NewVault(repo Repository, keys KeyProvider, logger *slog.Logger) *Vault {
	return &Vault{repo: repo, seal: sealer{keys: keys}, logger: logger}
}

// CreateWallet provisions a custodial wallet for the user. When the user already owns
// a wallet it is returned unchanged.
func (v *Vault) CreateWallet(ctx context.Context, input CreateInput) (Wallet, error) {
	if input.OwnerUserID == "" {
		return Wallet{}, apperr.New(apperr.KindInvalidInput, "owner user id is required")
	}
	kind := input.Kind
	if kind == "" {
		kind = KindUser
	}
	if kind != KindUser && kind != KindAdmin {
		return Wallet{}, apperr.New(apperr.KindInvalidInput, fmt.Sprintf("unknown wallet kind %q", kind))
	}

	if existing, err := v.repo.GetByOwner(ctx, input.OwnerUserID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrWalletNotFound) {
		return Wallet{}, err
	}

	priv, err := crypto.GenerateKey()
	if err != nil {
		return Wallet{}, fmt.Errorf("generate key: %w", err)
	}
	defer zeroKey(priv)

	address := crypto.PubkeyToAddress(priv.PublicKey).Hex()
	plaintext := crypto.FromECDSA(priv)
	sealedKey, err := v.seal.seal(ctx, plaintext, address)
	wipe(plaintext)
	if err != nil {
		return Wallet{}, fmt.Errorf("seal key: %w", err)
	}

	now := time.Now().UTC()
	wallet := Wallet{
		ID:              uuid.NewString(),
		OwnerUserID:     input.OwnerUserID,
		Address:         address,
		Kind:            kind,
		HasCustodialKey: true,
		Status:          StatusActive,
		CreatedAt:       now,
	}
	record := EncryptedKey{
		WalletID:   wallet.ID,
		UserID:     input.OwnerUserID,
		Address:    address,
		Ciphertext: sealedKey.ciphertext,
		Salt:       sealedKey.salt,
		Nonce:      sealedKey.nonce,
		Algorithm:  AlgorithmXChaCha20HKDF,
		KeyID:      sealedKey.keyID,
		CreatedAt:  now,
	}

	if err := v.repo.Create(ctx, wallet, record); err != nil {
		if errors.Is(err, errWalletExists) {
			// Lost a creation race; the winner's wallet is the user's wallet.
			return v.repo.GetByOwner(ctx, input.OwnerUserID)
		}
		return Wallet{}, err
	}

	v.logger.Info("vault.wallet created",
		slog.String("wallet_id", wallet.ID),
		slog.String("user_id", wallet.OwnerUserID),
		slog.String("address", wallet.Address),
		slog.String("kind", wallet.Kind),
	)
	return wallet, nil
}

// Get retrieves wallet metadata.
func (v *Vault) Get(ctx context.Context, id string) (Wallet, error) {
	return v.repo.Get(ctx, id)
}

// GetByOwner retrieves the wallet owned by a user.
func (v *Vault) GetByOwner(ctx context.Context, userID string) (Wallet, error) {
	return v.repo.GetByOwner(ctx, userID)
}

// Deactivate stops a wallet from signing. The row and key are kept.
func (v *Vault) Deactivate(ctx context.Context, id string) error {
	if err := v.repo.SetStatus(ctx, id, StatusDeactivated); err != nil {
		return err
	}
	v.logger.Info("vault.wallet deactivated", slog.String("wallet_id", id))
	return nil
}

// Sign decrypts the wallet key, signs tx for chainID and discards the key before returning.
func (v *Vault) Sign(ctx context.Context, walletID string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	wallet, err := v.repo.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if !wallet.Active() {
		return nil, ErrWalletInactive
	}

	priv, err := v.unseal(ctx, wallet)
	if err != nil {
		return nil, err
	}
	defer zeroKey(priv)

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), priv)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

// Rotate re-encrypts a wallet key under the provider's current master key.
func (v *Vault) Rotate(ctx context.Context, walletID string) error {
	wallet, err := v.repo.Get(ctx, walletID)
	if err != nil {
		return err
	}
	priv, err := v.unseal(ctx, wallet)
	if err != nil {
		return err
	}
	defer zeroKey(priv)

	plaintext := crypto.FromECDSA(priv)
	resealed, err := v.seal.seal(ctx, plaintext, wallet.Address)
	wipe(plaintext)
	if err != nil {
		return fmt.Errorf("seal key: %w", err)
	}

	record, err := v.repo.GetKey(ctx, walletID)
	if err != nil {
		return err
	}
	record.Ciphertext = resealed.ciphertext
	record.Salt = resealed.salt
	record.Nonce = resealed.nonce
	record.Algorithm = AlgorithmXChaCha20HKDF
	record.KeyID = resealed.keyID
	if err := v.repo.UpdateKey(ctx, record); err != nil {
		return err
	}
	v.logger.Info("vault.key rotated", slog.String("wallet_id", walletID), slog.String("key_id", resealed.keyID))
	return nil
}

func (v *Vault) unseal(ctx context.Context, wallet Wallet) (*ecdsa.PrivateKey, error) {
	if !wallet.HasCustodialKey {
		return nil, ErrKeyNotFound
	}
	record, err := v.repo.GetKey(ctx, wallet.ID)
	if err != nil {
		return nil, err
	}
	plaintext, err := v.seal.open(ctx, record)
	if err != nil {
		v.logger.Error("vault.decrypt failed", slog.String("wallet_id", wallet.ID), slog.String("key_id", record.KeyID))
		return nil, err
	}
	priv, err := crypto.ToECDSA(plaintext)
	wipe(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid key material", ErrDecryptionFailed)
	}
	if crypto.PubkeyToAddress(priv.PublicKey) != common.HexToAddress(wallet.Address) {
		zeroKey(priv)
		return nil, fmt.Errorf("%w: key does not match wallet address", ErrDecryptionFailed)
	}
	return priv, nil
}

func zeroKey(k *ecdsa.PrivateKey) {
	b := k.D.Bits()
	for i := range b {
		b[i] = 0
	}
}
