package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/classmint/classmint/internal/apperr"
	"github.com/classmint/classmint/internal/logging"
)

var (
	simTeacher = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	simStudent = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	simOther   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func TestSimulatedMintAndTransfer(t *testing.T) {
	gw := NewSimulatedGateway(logging.Discard())
	ctx := context.Background()

	var hooked string
	minted, err := gw.Mint(ctx, MintRequest{
		SignerWalletID: "minter",
		To:             simTeacher,
		TokenURI:       "uri-1",
		OnSubmitted:    func(_ context.Context, ref string) error { hooked = ref; return nil },
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !minted.Simulated || !IsSimulatedRef(minted.TxRef) || hooked != minted.TxRef {
		t.Fatalf("unexpected simulated receipt: %+v (hook %q)", minted, hooked)
	}

	second, err := gw.Mint(ctx, MintRequest{SignerWalletID: "minter", To: simTeacher, TokenURI: "uri-2"})
	if err != nil {
		t.Fatalf("second mint: %v", err)
	}
	if second.TokenID.Cmp(minted.TokenID) == 0 || second.TxRef == minted.TxRef {
		t.Fatal("simulated token ids and tx refs must be unique")
	}

	moved, err := gw.Transfer(ctx, TransferRequest{SignerWalletID: "teacher", From: simTeacher, To: simStudent, TokenID: minted.TokenID})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if moved.Recipient != simStudent {
		t.Fatalf("unexpected transfer receipt: %+v", moved)
	}
	owner, err := gw.OwnerOf(ctx, minted.TokenID)
	if err != nil || owner != simStudent {
		t.Fatalf("ownerOf: %s, %v", owner.Hex(), err)
	}
	uri, _ := gw.TokenURI(ctx, minted.TokenID)
	if uri != "uri-1" {
		t.Fatalf("expected uri-1, got %q", uri)
	}

	looked, err := gw.Lookup(ctx, moved.TxRef)
	if err != nil || looked.Recipient != simStudent {
		t.Fatalf("lookup: %+v, %v", looked, err)
	}
}

func TestSimulatedTransferChecksKnownOwner(t *testing.T) {
	gw := NewSimulatedGateway(logging.Discard())
	ctx := context.Background()

	minted, err := gw.Mint(ctx, MintRequest{To: simOther, TokenURI: "uri"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	_, err = gw.Transfer(ctx, TransferRequest{From: simTeacher, To: simStudent, TokenID: minted.TokenID})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestSimulatedTransferAdoptsUnknownToken(t *testing.T) {
	gw := NewSimulatedGateway(logging.Discard())
	ctx := context.Background()

	if _, err := gw.OwnerOf(ctx, big.NewInt(7)); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not_found for unseen token, got %v", err)
	}
	if _, err := gw.Transfer(ctx, TransferRequest{From: simTeacher, To: simStudent, TokenID: big.NewInt(7)}); err != nil {
		t.Fatalf("transfer of unseen token: %v", err)
	}
	owner, _ := gw.OwnerOf(ctx, big.NewInt(7))
	if owner != simStudent {
		t.Fatalf("expected student, got %s", owner.Hex())
	}
}

func TestSimulatedLookupUnknownRef(t *testing.T) {
	gw := NewSimulatedGateway(logging.Discard())
	if _, err := gw.Lookup(context.Background(), "sim:0xdead"); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("expected ErrReceiptNotFound, got %v", err)
	}
}

func TestGatewaysAreInterchangeable(t *testing.T) {
	var _ Gateway = (*SimulatedGateway)(nil)
	var _ Gateway = (*ContractGateway)(nil)
}

func TestTokenURIRoundTrip(t *testing.T) {
	type meta struct {
		Name   string `json:"name"`
		Points int    `json:"points"`
	}
	uri, err := EncodeTokenURI(meta{Name: "Math Excellence", Points: 200})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got meta
	if err := DecodeTokenURI(uri, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Name != "Math Excellence" || got.Points != 200 {
		t.Fatalf("unexpected metadata: %+v", got)
	}
	if err := DecodeTokenURI("ipfs://bafy", &got); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
