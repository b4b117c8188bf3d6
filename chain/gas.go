package chain

import (
	"context"
	"fmt"
	"math/big"
)

var weiPerGwei = big.NewInt(1_000_000_000)

// Ceilings are the operator-configured admission limits for one network.
type Ceilings struct {
	// PriceCeilingGwei is the highest buffered gas price, in gwei, at which
	// mint submission is still allowed.
	PriceCeilingGwei int64
	// LimitCeiling caps the per-transaction gas estimate.
	LimitCeiling uint64
	// BufferWei is added to the node's suggested price before both the
	// admission comparison and the eventual submission.
	BufferWei int64
}

// Quote is the outcome of a gas price admission check.
type Quote struct {
	// Price is the buffered gas price to submit with when admitted.
	Price *big.Int
	// PriceGwei is Price expressed in gwei, rounded up.
	PriceGwei int64
	// Admitted reports whether PriceGwei is at or under the ceiling.
	Admitted bool
}

// QuoteGasPrice fetches the node's suggested gas price, applies the buffer
// and decides admission against the price ceiling. A rejected quote is not
// an error: callers defer work and retry on a later run.
func QuoteGasPrice(ctx context.Context, client Client, ceilings Ceilings) (Quote, error) {
	if client == nil {
		return Quote{}, fmt.Errorf("chain: client required")
	}
	suggested, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("suggest gas price: %w", err)
	}
	price := new(big.Int).Set(suggested)
	if ceilings.BufferWei > 0 {
		price.Add(price, big.NewInt(ceilings.BufferWei))
	}
	gwei := WeiToGwei(price)
	return Quote{
		Price:     price,
		PriceGwei: gwei,
		Admitted:  gwei <= ceilings.PriceCeilingGwei,
	}, nil
}

// WeiToGwei converts a wei amount to gwei, rounding up so a price a single
// wei over the ceiling still fails admission.
func WeiToGwei(wei *big.Int) int64 {
	if wei == nil || wei.Sign() <= 0 {
		return 0
	}
	quo, rem := new(big.Int).QuoRem(wei, weiPerGwei, new(big.Int))
	if rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo.Int64()
}
