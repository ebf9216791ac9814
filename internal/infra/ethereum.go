package infra

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"
)

// NewEthereumClient dials the JSON-RPC endpoint and checks that it serves the
// expected chain.
func NewEthereumClient(ctx context.Context, url string, chainID int64) (*ethclient.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("chain rpc url is required")
	}

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}

	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if remote.Cmp(big.NewInt(chainID)) != 0 {
		client.Close()
		return nil, fmt.Errorf("chain id mismatch: configured %d, endpoint reports %s", chainID, remote)
	}

	return client, nil
}
