package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/classmint/classmint/internal/apperr"
)

// Gateway modes.
const (
	ModeChain     = "chain"
	ModeSimulated = "simulated"
)

// Stage is a step of a single contract operation.
type Stage string

const (
	StageBuilt        Stage = "built"
	StageGasEstimated Stage = "gas_estimated"
	StageSubmitted    Stage = "submitted"
	StageConfirmed    Stage = "confirmed"
	StageFailed       Stage = "failed"
	StageTimedOut     Stage = "timed_out"
)

var (
	ErrGasEstimationFailed = apperr.New(apperr.KindGasEstimation, "gas estimation failed")
	ErrSubmissionRejected  = apperr.New(apperr.KindSubmissionRejected, "transaction submission rejected")
	ErrConfirmationTimeout = apperr.New(apperr.KindConfirmationTimeout, "transaction not confirmed in time; check award history before retrying")
	ErrNotOwner            = apperr.New(apperr.KindNotOwner, "signer does not own the token on chain")
	ErrReverted            = apperr.New(apperr.KindReverted, "transaction reverted")
	ErrReceiptNotFound     = apperr.New(apperr.KindNotFound, "transaction receipt not found")
	// ErrOutcomeUnknown means a transaction was included but its result could not
	// be read. It carries the timeout kind so the attempt goes to reconciliation.
	ErrOutcomeUnknown = apperr.New(apperr.KindConfirmationTimeout, "transaction mined but its result could not be read; check award history before retrying")
)

// SubmitHook is invoked once a transaction reference exists, before waiting for
// inclusion, so callers can persist it.
type SubmitHook func(ctx context.Context, txRef string) error

// MintRequest mints a new award token to To.
type MintRequest struct {
	SignerWalletID string
	To             common.Address
	TokenURI       string
	OnSubmitted    SubmitHook
}

// TransferRequest moves TokenID from From to To. The signer must be From.
type TransferRequest struct {
	SignerWalletID string
	From           common.Address
	To             common.Address
	TokenID        *big.Int
	OnSubmitted    SubmitHook
}

// Receipt describes a confirmed (or, alongside an error, a submitted) operation.
type Receipt struct {
	TxRef       string
	TokenID     *big.Int
	Recipient   common.Address
	GasUsed     uint64
	BlockNumber uint64
	Simulated   bool
}

// Gateway performs award contract operations. ContractGateway talks to a chain,
// SimulatedGateway fabricates receipts locally; callers cannot tell them apart.
type Gateway interface {
	Mode() string
	Mint(ctx context.Context, req MintRequest) (Receipt, error)
	Transfer(ctx context.Context, req TransferRequest) (Receipt, error)
	OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error)
	TokenURI(ctx context.Context, tokenID *big.Int) (string, error)
	// Lookup returns the outcome of a previously submitted transaction.
	// ErrReceiptNotFound means it is not included yet.
	Lookup(ctx context.Context, txRef string) (Receipt, error)
}

func notify(ctx context.Context, hook SubmitHook, txRef string) error {
	if hook == nil {
		return nil
	}
	return hook(ctx, txRef)
}
