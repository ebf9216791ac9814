package issuance

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/classmint/classmint/internal/award"
	"github.com/classmint/classmint/internal/chain"
	"github.com/classmint/classmint/internal/identity"
	"github.com/classmint/classmint/internal/ledger"
	"github.com/classmint/classmint/internal/logging"
	"github.com/classmint/classmint/internal/notification"
	"github.com/classmint/classmint/internal/vault"
)

// scriptedGateway plays the role of a chain. Mined operations land at once
// unless timeout is set, in which case they stay pending until land is called.
type scriptedGateway struct {
	mu        sync.Mutex
	timeout   bool
	failWith  error
	minedErr  error
	nextToken int64
	submitted int
	mints     int
	transfers int
	owners    map[string]common.Address
	uris      map[string]string
	receipts  map[string]chain.Receipt
	pending   map[string]chain.Receipt
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{
		nextToken: 1,
		owners:    make(map[string]common.Address),
		uris:      make(map[string]string),
		receipts:  make(map[string]chain.Receipt),
		pending:   make(map[string]chain.Receipt),
	}
}

func (g *scriptedGateway) Mode() string { return chain.ModeChain }

func (g *scriptedGateway) Mint(ctx context.Context, req chain.MintRequest) (chain.Receipt, error) {
	g.mu.Lock()
	if g.failWith != nil {
		err := g.failWith
		g.mu.Unlock()
		return chain.Receipt{}, err
	}
	g.mints++
	tokenID := big.NewInt(g.nextToken)
	g.nextToken++
	g.uris[tokenID.String()] = req.TokenURI
	rcpt := g.record(chain.Receipt{TokenID: tokenID, Recipient: req.To, GasUsed: 90_000})
	timeout, minedErr := g.timeout, g.minedErr
	g.mu.Unlock()
	return g.finish(ctx, rcpt, timeout, minedErr, req.OnSubmitted)
}

func (g *scriptedGateway) Transfer(ctx context.Context, req chain.TransferRequest) (chain.Receipt, error) {
	g.mu.Lock()
	if g.failWith != nil {
		err := g.failWith
		g.mu.Unlock()
		return chain.Receipt{}, err
	}
	if owner := g.owners[req.TokenID.String()]; owner != req.From {
		g.mu.Unlock()
		return chain.Receipt{}, chain.ErrNotOwner
	}
	g.transfers++
	rcpt := g.record(chain.Receipt{TokenID: new(big.Int).Set(req.TokenID), Recipient: req.To, GasUsed: 50_000})
	timeout, minedErr := g.timeout, g.minedErr
	g.mu.Unlock()
	return g.finish(ctx, rcpt, timeout, minedErr, req.OnSubmitted)
}

// record assigns a tx ref and parks the receipt as pending. Callers hold mu.
func (g *scriptedGateway) record(rcpt chain.Receipt) chain.Receipt {
	g.submitted++
	rcpt.TxRef = fmt.Sprintf("0x%064x", g.submitted)
	g.pending[rcpt.TxRef] = rcpt
	return rcpt
}

// finish lands the transaction unless timeout is set. A non-nil minedErr is
// returned with the tx ref after landing, like a receipt that could not be read.
func (g *scriptedGateway) finish(ctx context.Context, rcpt chain.Receipt, timeout bool, minedErr error, hook chain.SubmitHook) (chain.Receipt, error) {
	if hook != nil {
		if err := hook(ctx, rcpt.TxRef); err != nil {
			return chain.Receipt{TxRef: rcpt.TxRef}, err
		}
	}
	if timeout {
		return chain.Receipt{TxRef: rcpt.TxRef}, chain.ErrConfirmationTimeout
	}
	g.land()
	if minedErr != nil {
		return chain.Receipt{TxRef: rcpt.TxRef}, minedErr
	}
	return rcpt, nil
}

// land mines every pending transaction.
func (g *scriptedGateway) land() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for ref, rcpt := range g.pending {
		g.receipts[ref] = rcpt
		g.owners[rcpt.TokenID.String()] = rcpt.Recipient
		delete(g.pending, ref)
	}
}

func (g *scriptedGateway) OwnerOf(_ context.Context, tokenID *big.Int) (common.Address, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	owner, ok := g.owners[tokenID.String()]
	if !ok {
		return common.Address{}, fmt.Errorf("execution reverted")
	}
	return owner, nil
}

func (g *scriptedGateway) TokenURI(_ context.Context, tokenID *big.Int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.uris[tokenID.String()], nil
}

func (g *scriptedGateway) Lookup(_ context.Context, txRef string) (chain.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rcpt, ok := g.receipts[txRef]
	if !ok {
		return chain.Receipt{TxRef: txRef}, chain.ErrReceiptNotFound
	}
	return rcpt, nil
}

func (g *scriptedGateway) counts() (mints, transfers int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mints, g.transfers
}

func (g *scriptedGateway) setTimeout(v bool) {
	g.mu.Lock()
	g.timeout = v
	g.mu.Unlock()
}

func (g *scriptedGateway) setMinedError(err error) {
	g.mu.Lock()
	g.minedErr = err
	g.mu.Unlock()
}

func (g *scriptedGateway) setFailure(err error) {
	g.mu.Lock()
	g.failWith = err
	g.mu.Unlock()
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notification.Message
}

func (n *recordingNotifier) Send(_ context.Context, m notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, m)
	return nil
}

func (n *recordingNotifier) sent() []notification.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification.Message(nil), n.messages...)
}

type fixture struct {
	svc      *Service
	ids      *identity.Service
	vault    *vault.Vault
	awards   award.Repository
	ledger   ledger.Ledger
	gateway  *scriptedGateway
	notifier *recordingNotifier
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := logging.Discard()

	ids := identity.NewService(identity.NewMemoryRepository(), logger)
	for _, in := range []identity.UpsertInput{
		{ID: "teacher-1", DisplayName: "Ms. Okafor", Role: identity.RoleTeacher},
		{ID: "teacher-2", DisplayName: "Mr. Lindqvist", Role: identity.RoleTeacher},
		{ID: "principal", DisplayName: "Dr. Haddad", Role: identity.RoleAdmin},
		{ID: "student-9", DisplayName: "Robin", Role: identity.RoleStudent},
	} {
		if _, err := ids.Upsert(ctx, in); err != nil {
			t.Fatalf("upsert %s: %v", in.ID, err)
		}
	}

	keys, err := vault.NewStaticKeyProvider("k1", bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("key provider: %v", err)
	}
	v := vault.NewVault(vault.NewMemoryRepository(), keys, logger)
	l := ledger.NewInMemory()
	awards := award.NewMemoryRepository(l)
	gw := newScriptedGateway()
	notes := &recordingNotifier{}

	cfg := Config{ContractAddress: "0x00000000000000000000000000000000000000c0", Network: "anvil"}
	if mutate != nil {
		mutate(&cfg)
	}
	svc := NewService(Deps{
		Identity:  ids,
		Vault:     v,
		Awards:    awards,
		Ledger:    l,
		Chain:     gw,
		Simulated: chain.NewSimulatedGateway(logger),
		Notifier:  notes,
	}, cfg, logger)
	return &fixture{svc: svc, ids: ids, vault: v, awards: awards, ledger: l, gateway: gw, notifier: notes}
}

func (f *fixture) walletOf(t *testing.T, userID string) vault.Wallet {
	t.Helper()
	w, err := f.vault.GetByOwner(context.Background(), userID)
	if err != nil {
		t.Fatalf("wallet of %s: %v", userID, err)
	}
	return w
}

func mathExcellence() *award.Metadata {
	return &award.Metadata{Name: "Math Excellence", Points: 200}
}
