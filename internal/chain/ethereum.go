package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/classmint/classmint/internal/apperr"
)

// Backend is the slice of an Ethereum JSON-RPC client the gateway needs.
// *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Signer signs transactions for one custodial wallet.
type Signer interface {
	From() common.Address
	SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

// SignerSource resolves a signer for a wallet on a chain.
type SignerSource func(ctx context.Context, walletID string, chainID *big.Int) (Signer, error)

// ContractConfig identifies the award contract and confirmation policy.
type ContractConfig struct {
	ChainID          *big.Int
	Contract         common.Address
	GasMarginPercent int
	ConfirmTimeout   time.Duration
	PollInterval     time.Duration
}

// ContractGateway submits award operations to an EVM chain.
type ContractGateway struct {
	backend Backend
	signers SignerSource
	locker  Locker
	cfg     ContractConfig
	logger  *slog.Logger
}

// NewContractGateway wires a gateway. A nil locker serializes per process only.
func NewContractGateway(backend Backend, signers SignerSource, locker Locker, cfg ContractConfig, logger *slog.Logger) *ContractGateway {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &ContractGateway{backend: backend, signers: signers, locker: locker, cfg: cfg, logger: logger}
}

// Mode reports ModeChain.
func (g *ContractGateway) Mode() string { return ModeChain }

// Mint calls mint(to, uri) and recovers the new token id from the Transfer event.
func (g *ContractGateway) Mint(ctx context.Context, req MintRequest) (Receipt, error) {
	data, err := awardABI.Pack("mint", req.To, req.TokenURI)
	if err != nil {
		return Receipt{}, fmt.Errorf("pack mint: %w", err)
	}
	rcpt, txRef, err := g.execute(ctx, "mint", req.SignerWalletID, nil, data, req.OnSubmitted)
	if err != nil {
		return Receipt{TxRef: txRef}, err
	}
	tokenID, err := mintedTokenID(rcpt, g.cfg.Contract, req.To)
	if err != nil {
		g.logger.Error("chain.mint event missing", slog.String("tx_ref", txRef), slog.Any("error", err))
		return Receipt{TxRef: txRef}, fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
	}
	return Receipt{
		TxRef:       txRef,
		TokenID:     tokenID,
		Recipient:   req.To,
		GasUsed:     rcpt.GasUsed,
		BlockNumber: rcpt.BlockNumber.Uint64(),
	}, nil
}

// Transfer calls safeTransferFrom after checking on chain that From still owns the token.
func (g *ContractGateway) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	if req.TokenID == nil {
		return Receipt{}, apperr.New(apperr.KindInvalidInput, "token id is required for a transfer")
	}
	owner, err := g.OwnerOf(ctx, req.TokenID)
	if err != nil {
		return Receipt{}, err
	}
	if owner != req.From {
		return Receipt{}, fmt.Errorf("%w: token %s owned by %s", ErrNotOwner, req.TokenID, owner.Hex())
	}

	data, err := awardABI.Pack("safeTransferFrom", req.From, req.To, req.TokenID)
	if err != nil {
		return Receipt{}, fmt.Errorf("pack transfer: %w", err)
	}
	rcpt, txRef, err := g.execute(ctx, "transfer", req.SignerWalletID, &req.From, data, req.OnSubmitted)
	if err != nil {
		return Receipt{TxRef: txRef}, err
	}
	return Receipt{
		TxRef:       txRef,
		TokenID:     new(big.Int).Set(req.TokenID),
		Recipient:   req.To,
		GasUsed:     rcpt.GasUsed,
		BlockNumber: rcpt.BlockNumber.Uint64(),
	}, nil
}

// OwnerOf reads the current owner of a token.
func (g *ContractGateway) OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	out, err := g.call(ctx, "ownerOf", tokenID)
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ownerOf: unexpected output %T", out[0])
	}
	return owner, nil
}

// TokenURI reads the metadata URI of a token.
func (g *ContractGateway) TokenURI(ctx context.Context, tokenID *big.Int) (string, error) {
	out, err := g.call(ctx, "tokenURI", tokenID)
	if err != nil {
		return "", err
	}
	uri, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("tokenURI: unexpected output %T", out[0])
	}
	return uri, nil
}

// Lookup fetches the receipt of a submitted transaction without resubmitting anything.
func (g *ContractGateway) Lookup(ctx context.Context, txRef string) (Receipt, error) {
	rcpt, err := g.backend.TransactionReceipt(ctx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Receipt{TxRef: txRef}, ErrReceiptNotFound
		}
		return Receipt{TxRef: txRef}, fmt.Errorf("lookup receipt: %w", err)
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return Receipt{TxRef: txRef}, ErrReverted
	}
	out := Receipt{TxRef: txRef, GasUsed: rcpt.GasUsed, BlockNumber: rcpt.BlockNumber.Uint64()}
	if tokenID, to, ok := transferLog(rcpt, g.cfg.Contract); ok {
		out.TokenID = tokenID
		out.Recipient = to
	}
	return out, nil
}

func (g *ContractGateway) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := awardABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &g.cfg.Contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := awardABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no data", method)
	}
	return out, nil
}

// execute runs Built -> GasEstimated -> Submitted under the signer lock, then
// waits for inclusion outside of it. The tx ref is returned whenever one exists.
func (g *ContractGateway) execute(ctx context.Context, op, walletID string, expectedFrom *common.Address, data []byte, hook SubmitHook) (*types.Receipt, string, error) {
	signer, err := g.signers(ctx, walletID, g.cfg.ChainID)
	if err != nil {
		return nil, "", err
	}
	from := signer.From()
	if expectedFrom != nil && *expectedFrom != from {
		return nil, "", fmt.Errorf("%w: signer %s is not %s", ErrNotOwner, from.Hex(), expectedFrom.Hex())
	}
	log := g.logger.With(slog.String("op", op), slog.String("wallet_id", walletID), slog.String("from", from.Hex()))

	signed, err := g.submit(ctx, signer, data, log)
	if err != nil {
		log.Warn("chain.operation failed", slog.String("stage", string(StageFailed)), slog.Any("error", err))
		return nil, "", err
	}
	txRef := signed.Hash().Hex()
	log = log.With(slog.String("tx_ref", txRef))
	log.Info("chain.operation", slog.String("stage", string(StageSubmitted)), slog.Uint64("nonce", signed.Nonce()), slog.Uint64("gas", signed.Gas()))

	if err := notify(ctx, hook, txRef); err != nil {
		log.Error("chain.submit hook failed", slog.Any("error", err))
	}

	rcpt, err := g.waitMined(ctx, signed.Hash())
	if err != nil {
		stage := StageFailed
		if errors.Is(err, ErrConfirmationTimeout) {
			stage = StageTimedOut
		}
		log.Warn("chain.operation", slog.String("stage", string(stage)), slog.Any("error", err))
		return nil, txRef, err
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		log.Warn("chain.operation", slog.String("stage", string(StageFailed)), slog.String("reason", "reverted"))
		return nil, txRef, ErrReverted
	}
	log.Info("chain.operation", slog.String("stage", string(StageConfirmed)), slog.Uint64("gas_used", rcpt.GasUsed))
	return rcpt, txRef, nil
}

func (g *ContractGateway) submit(ctx context.Context, signer Signer, data []byte, log *slog.Logger) (*types.Transaction, error) {
	from := signer.From()
	unlock, err := g.locker.Lock(ctx, from.Hex())
	if err != nil {
		return nil, err
	}
	defer unlock()

	nonce, err := g.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("%w: read nonce: %v", ErrSubmissionRejected, err)
	}
	log.Debug("chain.operation", slog.String("stage", string(StageBuilt)), slog.Uint64("nonce", nonce))

	estimate, err := g.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &g.cfg.Contract, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGasEstimationFailed, err)
	}
	gasLimit := padGas(estimate, g.cfg.GasMarginPercent)
	log.Debug("chain.operation", slog.String("stage", string(StageGasEstimated)), slog.Uint64("estimate", estimate), slog.Uint64("gas_limit", gasLimit))

	tipCap, feeCap, err := g.fees(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGasEstimationFailed, err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   g.cfg.ChainID,
		Nonce:     nonce,
		To:        &g.cfg.Contract,
		Value:     big.NewInt(0),
		Gas:       gasLimit,
		GasFeeCap: feeCap,
		GasTipCap: tipCap,
		Data:      data,
	})
	signed, err := signer.SignTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}
	return signed, nil
}

func (g *ContractGateway) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	tip, err := g.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return tip, feeCap, nil
}

// waitMined polls for the receipt until the confirmation timeout.
func (g *ContractGateway) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		rcpt, err := g.backend.TransactionReceipt(waitCtx, hash)
		if err == nil {
			return rcpt, nil
		}
		if !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil {
			g.logger.Debug("chain.receipt poll failed", slog.String("tx_ref", hash.Hex()), slog.Any("error", err))
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, hash.Hex(), g.cfg.ConfirmTimeout)
		case <-ticker.C:
		}
	}
}

func padGas(estimate uint64, marginPercent int) uint64 {
	if marginPercent <= 0 {
		return estimate
	}
	return estimate + estimate*uint64(marginPercent)/100
}

// mintedTokenID finds Transfer(0x0, to, tokenId) emitted by contract.
func mintedTokenID(rcpt *types.Receipt, contract, to common.Address) (*big.Int, error) {
	transferID := awardABI.Events["Transfer"].ID
	for _, l := range rcpt.Logs {
		if l.Address != contract || len(l.Topics) != 4 || l.Topics[0] != transferID {
			continue
		}
		if common.BytesToAddress(l.Topics[1].Bytes()) != (common.Address{}) {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != to {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[3].Bytes()), nil
	}
	return nil, fmt.Errorf("mint receipt %s carries no Transfer event", rcpt.TxHash.Hex())
}

func transferLog(rcpt *types.Receipt, contract common.Address) (*big.Int, common.Address, bool) {
	transferID := awardABI.Events["Transfer"].ID
	for _, l := range rcpt.Logs {
		if l.Address == contract && len(l.Topics) == 4 && l.Topics[0] == transferID {
			return new(big.Int).SetBytes(l.Topics[3].Bytes()), common.BytesToAddress(l.Topics[2].Bytes()), true
		}
	}
	return nil, common.Address{}, false
}
