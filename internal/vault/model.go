package vault

import "time"

// Wallet kinds.
const (
	KindUser  = "user"
	KindAdmin = "admin"
)

// Wallet statuses. Wallets are never deleted, only deactivated.
const (
	StatusActive      = "active"
	StatusDeactivated = "deactivated"
)

// Wallet is a custodial chain account held on behalf of a platform user.
type Wallet struct {
	ID              string
	OwnerUserID     string
	Address         string
	Kind            string
	HasCustodialKey bool
	Status          string
	CreatedAt       time.Time
}

// Active reports whether the wallet may sign.
func (w Wallet) Active() bool {
	return w.Status == StatusActive
}

// EncryptedKey is the sealed private key of a wallet. It never leaves this package.
type EncryptedKey struct {
	WalletID   string
	UserID     string
	Address    string
	Ciphertext []byte
	Salt       []byte
	Nonce      []byte
	Algorithm  string
	KeyID      string
	CreatedAt  time.Time
}

// CreateInput captures data required to create a wallet.
type CreateInput struct {
	OwnerUserID string
	Kind        string
}
