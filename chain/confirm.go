package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ReceiptState is the settlement view of one on-chain transaction.
type ReceiptState string

const (
	// ReceiptPending means the node has no mined receipt yet.
	ReceiptPending ReceiptState = "pending"
	// ReceiptConfirmed means the transaction mined and succeeded.
	ReceiptConfirmed ReceiptState = "confirmed"
	// ReceiptFailed means the transaction mined and reverted.
	ReceiptFailed ReceiptState = "failed"
)

// CheckReceipt looks up the transaction receipt and folds it into a
// ReceiptState. A missing receipt is pending, not an error.
func CheckReceipt(ctx context.Context, client Client, txHash common.Hash) (ReceiptState, error) {
	if client == nil {
		return ReceiptPending, fmt.Errorf("chain: client required")
	}
	receipt, err := client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ReceiptPending, nil
		}
		return ReceiptPending, fmt.Errorf("fetch receipt %s: %w", txHash.Hex(), err)
	}
	if receipt == nil {
		return ReceiptPending, nil
	}
	if receipt.Status == gethtypes.ReceiptStatusSuccessful {
		return ReceiptConfirmed, nil
	}
	return ReceiptFailed, nil
}
