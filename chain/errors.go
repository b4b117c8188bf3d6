package chain

import (
	"errors"
	"fmt"
	"strings"
)

// itemExhaustedMarker is the revert reason substring the item contracts emit
// when an item's mint supply is spent.
const itemExhaustedMarker = "ITEM_EXHAUSTED"

var (
	// ErrItemExhausted marks a mint rejected because the item supply ran out.
	// Callers treat it as a terminal per-group failure, not a retryable one.
	ErrItemExhausted = errors.New("chain: item exhausted")

	// ErrGasLimitExceeded marks a mint whose gas estimate breaches the
	// operator-configured execution ceiling.
	ErrGasLimitExceeded = errors.New("chain: gas estimate above ceiling")
)

// classifySubmitError maps node-side rejections onto package sentinels so
// callers can branch with errors.Is instead of string matching.
func classifySubmitError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), itemExhaustedMarker) {
		return fmt.Errorf("%w: %s", ErrItemExhausted, err.Error())
	}
	return err
}
