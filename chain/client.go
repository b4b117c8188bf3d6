package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client defines the subset of the Ethereum RPC surface the settlement
// pipeline uses. *ethclient.Client satisfies it.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial connects to the first reachable RPC endpoint whose reported chain id
// matches the expected one. Endpoints are tried in order so the list doubles
// as a failover preference.
func Dial(ctx context.Context, endpoints []string, chainID *big.Int) (*ethclient.Client, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id required")
	}
	var lastErr error
	for _, endpoint := range endpoints {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint == "" {
			continue
		}
		client, err := ethclient.DialContext(ctx, endpoint)
		if err != nil {
			lastErr = fmt.Errorf("dial %s: %w", endpoint, err)
			continue
		}
		got, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			lastErr = fmt.Errorf("chain id from %s: %w", endpoint, err)
			continue
		}
		if got.Cmp(chainID) != 0 {
			client.Close()
			lastErr = fmt.Errorf("endpoint %s serves chain %s, want %s", endpoint, got, chainID)
			continue
		}
		return client, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("rpc endpoint required")
	}
	return nil, lastErr
}
