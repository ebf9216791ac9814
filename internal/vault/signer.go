package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SigningWallet binds a wallet to a chain for the duration of one operation.
// It holds no key material; every SignTx goes back through the vault.
type SigningWallet struct {
	WalletID string
	Address  common.Address
	ChainID  *big.Int

	vault *Vault
}

// SigningWallet returns a signer for walletID on chainID after checking the wallet can sign.
func (v *Vault) SigningWallet(ctx context.Context, walletID string, chainID *big.Int) (*SigningWallet, error) {
	wallet, err := v.repo.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if !wallet.Active() {
		return nil, ErrWalletInactive
	}
	if !wallet.HasCustodialKey {
		return nil, ErrKeyNotFound
	}
	return &SigningWallet{
		WalletID: wallet.ID,
		Address:  common.HexToAddress(wallet.Address),
		ChainID:  new(big.Int).Set(chainID),
		vault:    v,
	}, nil
}

// From returns the signing address.
func (s *SigningWallet) From() common.Address {
	return s.Address
}

// SignTx signs tx with the wallet key.
func (s *SigningWallet) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	return s.vault.Sign(ctx, s.WalletID, tx, s.ChainID)
}
