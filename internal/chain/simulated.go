package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/classmint/classmint/internal/apperr"
)

// SimulatedTxPrefix marks tx refs fabricated by SimulatedGateway.
const SimulatedTxPrefix = "sim:"

// IsSimulatedRef reports whether txRef came from a SimulatedGateway.
func IsSimulatedRef(txRef string) bool {
	return strings.HasPrefix(txRef, SimulatedTxPrefix)
}

// SimulatedGateway fulfils the Gateway contract without any network access.
// Token ids are unique within the process and seeded from the clock so
// restarts do not reuse recent ids.
type SimulatedGateway struct {
	mu        sync.Mutex
	nextToken *big.Int
	owners    map[string]common.Address
	uris      map[string]string
	receipts  map[string]Receipt
	logger    *slog.Logger
}

// NewSimulatedGateway builds a simulated gateway.
func NewSimulatedGateway(logger *slog.Logger) *SimulatedGateway {
	return &SimulatedGateway{
		nextToken: big.NewInt(time.Now().UnixMilli()),
		owners:    make(map[string]common.Address),
		uris:      make(map[string]string),
		receipts:  make(map[string]Receipt),
		logger:    logger,
	}
}

// Mode reports ModeSimulated.
func (s *SimulatedGateway) Mode() string { return ModeSimulated }

// Mint fabricates a confirmed mint.
func (s *SimulatedGateway) Mint(ctx context.Context, req MintRequest) (Receipt, error) {
	s.mu.Lock()
	tokenID := new(big.Int).Set(s.nextToken)
	s.nextToken.Add(s.nextToken, big.NewInt(1))
	rcpt := Receipt{TxRef: newSimulatedRef(), TokenID: tokenID, Recipient: req.To, Simulated: true}
	s.owners[tokenID.String()] = req.To
	s.uris[tokenID.String()] = req.TokenURI
	s.receipts[rcpt.TxRef] = rcpt
	s.mu.Unlock()

	if err := notify(ctx, req.OnSubmitted, rcpt.TxRef); err != nil {
		s.logger.Error("chain.submit hook failed", slog.String("tx_ref", rcpt.TxRef), slog.Any("error", err))
	}
	s.logger.Info("chain.operation", slog.String("op", "mint"), slog.String("mode", ModeSimulated),
		slog.String("tx_ref", rcpt.TxRef), slog.String("token_id", tokenID.String()), slog.String("stage", string(StageConfirmed)))
	return copyReceipt(rcpt), nil
}

// Transfer fabricates a confirmed transfer. Tokens this instance never saw are
// assumed to belong to From.
func (s *SimulatedGateway) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	if req.TokenID == nil {
		return Receipt{}, apperr.New(apperr.KindInvalidInput, "token id is required for a transfer")
	}
	key := req.TokenID.String()

	s.mu.Lock()
	if owner, known := s.owners[key]; known && owner != req.From {
		s.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w: token %s owned by %s", ErrNotOwner, key, owner.Hex())
	}
	rcpt := Receipt{TxRef: newSimulatedRef(), TokenID: new(big.Int).Set(req.TokenID), Recipient: req.To, Simulated: true}
	s.owners[key] = req.To
	s.receipts[rcpt.TxRef] = rcpt
	s.mu.Unlock()

	if err := notify(ctx, req.OnSubmitted, rcpt.TxRef); err != nil {
		s.logger.Error("chain.submit hook failed", slog.String("tx_ref", rcpt.TxRef), slog.Any("error", err))
	}
	s.logger.Info("chain.operation", slog.String("op", "transfer"), slog.String("mode", ModeSimulated),
		slog.String("tx_ref", rcpt.TxRef), slog.String("token_id", key), slog.String("stage", string(StageConfirmed)))
	return copyReceipt(rcpt), nil
}

// OwnerOf returns the simulated owner.
func (s *SimulatedGateway) OwnerOf(_ context.Context, tokenID *big.Int) (common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[tokenID.String()]
	if !ok {
		return common.Address{}, apperr.New(apperr.KindNotFound, fmt.Sprintf("token %s not found", tokenID))
	}
	return owner, nil
}

// TokenURI returns the simulated metadata URI.
func (s *SimulatedGateway) TokenURI(_ context.Context, tokenID *big.Int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uri, ok := s.uris[tokenID.String()]
	if !ok {
		return "", apperr.New(apperr.KindNotFound, fmt.Sprintf("token %s not found", tokenID))
	}
	return uri, nil
}

// Lookup returns a receipt fabricated by this instance.
func (s *SimulatedGateway) Lookup(_ context.Context, txRef string) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rcpt, ok := s.receipts[txRef]
	if !ok {
		return Receipt{TxRef: txRef}, ErrReceiptNotFound
	}
	return copyReceipt(rcpt), nil
}

func newSimulatedRef() string {
	id := uuid.New()
	return SimulatedTxPrefix + "0x" + hex.EncodeToString(crypto.Keccak256(id[:]))
}

func copyReceipt(r Receipt) Receipt {
	if r.TokenID != nil {
		r.TokenID = new(big.Int).Set(r.TokenID)
	}
	return r
}
