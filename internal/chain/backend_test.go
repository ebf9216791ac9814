package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeChain is an in-memory award contract behind the Backend interface. It
// recovers the sender of every submitted transaction and enforces nonces.
type fakeChain struct {
	mu          sync.Mutex
	chainID     *big.Int
	contract    common.Address
	estimate    uint64
	estimateErr error
	hold        bool
	dropLogs    bool

	nonces    map[common.Address]uint64
	owners    map[string]common.Address
	uris      map[string]string
	nextToken int64
	block     int64
	receipts  map[common.Hash]*types.Receipt
	held      map[common.Hash]*types.Receipt
	sent      []*types.Transaction
}

func newFakeChain(chainID int64, contract common.Address) *fakeChain {
	return &fakeChain{
		chainID:   big.NewInt(chainID),
		contract:  contract,
		estimate:  100_000,
		nonces:    make(map[common.Address]uint64),
		owners:    make(map[string]common.Address),
		uris:      make(map[string]string),
		nextToken: 1,
		receipts:  make(map[common.Hash]*types.Receipt),
		held:      make(map[common.Hash]*types.Receipt),
	}
}

// release makes held receipts visible, as if the transactions were mined late.
func (f *fakeChain) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h, r := range f.held {
		f.receipts[h] = r
		delete(f.held, h)
	}
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeChain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

func (f *fakeChain) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.estimate, nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(f.block), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sender, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Nonce() != f.nonces[sender] {
		return fmt.Errorf("nonce too low: have %d want %d", tx.Nonce(), f.nonces[sender])
	}
	f.nonces[sender]++
	f.sent = append(f.sent, tx)
	f.block++

	rcpt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		GasUsed:     f.estimate,
		BlockNumber: big.NewInt(f.block),
	}

	method, err := awardABI.MethodById(tx.Data()[:4])
	if err != nil {
		return err
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return err
	}
	switch method.Name {
	case "mint":
		to := args[0].(common.Address)
		id := big.NewInt(f.nextToken)
		f.nextToken++
		f.owners[id.String()] = to
		f.uris[id.String()] = args[1].(string)
		rcpt.Logs = []*types.Log{f.transferLog(common.Address{}, to, id)}
	case "safeTransferFrom":
		from, to, id := args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int)
		if f.owners[id.String()] != from || sender != from {
			rcpt.Status = types.ReceiptStatusFailed
			break
		}
		f.owners[id.String()] = to
		rcpt.Logs = []*types.Log{f.transferLog(from, to, id)}
	}

	if f.dropLogs {
		rcpt.Logs = nil
	}
	if f.hold {
		f.held[tx.Hash()] = rcpt
	} else {
		f.receipts[tx.Hash()] = rcpt
	}
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rcpt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return rcpt, nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	method, err := awardABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	id := args[0].(*big.Int).String()
	switch method.Name {
	case "ownerOf":
		owner, ok := f.owners[id]
		if !ok {
			return nil, errors.New("execution reverted: invalid token id")
		}
		return method.Outputs.Pack(owner)
	case "tokenURI":
		uri, ok := f.uris[id]
		if !ok {
			return nil, errors.New("execution reverted: invalid token id")
		}
		return method.Outputs.Pack(uri)
	}
	return nil, fmt.Errorf("unsupported call %s", method.Name)
}

func (f *fakeChain) transferLog(from, to common.Address, id *big.Int) *types.Log {
	return &types.Log{
		Address: f.contract,
		Topics: []common.Hash{
			awardABI.Events["Transfer"].ID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
			common.BigToHash(id),
		},
	}
}
