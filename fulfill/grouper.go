package fulfill

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"giveawayd/models"
)

// MintGroup is one issueTokens submission: every item on the claim that
// lives on the same contract, minted to the claim's target address in a
// single transaction.
type MintGroup struct {
	Contract common.Address
	// Recipients and TokenIDs are the parallel calldata slices.
	Recipients []common.Address
	TokenIDs   []*big.Int
	// ItemRecordIDs are the giveaway item rows behind each token, used for
	// per-item claim counters after a successful mint.
	ItemRecordIDs []uuid.UUID
}

// GroupItems partitions a giveaway's items by contract address. Items with a
// missing contract or an unparseable token id are skipped and reported so
// the caller can log them; they never abort the remaining groups.
func GroupItems(target common.Address, items []models.GiveawayItem) ([]MintGroup, []string) {
	var skipped []string
	order := make([]common.Address, 0, len(items))
	byContract := make(map[common.Address]*MintGroup, len(items))
	for _, item := range items {
		raw := strings.TrimSpace(item.ContractAddress)
		if !common.IsHexAddress(raw) {
			skipped = append(skipped, fmt.Sprintf("item %s: bad contract address %q", item.ID, item.ContractAddress))
			continue
		}
		tokenID, ok := new(big.Int).SetString(strings.TrimSpace(item.ExternalItemID), 10)
		if !ok || tokenID.Sign() < 0 {
			skipped = append(skipped, fmt.Sprintf("item %s: bad token id %q", item.ID, item.ExternalItemID))
			continue
		}
		contract := common.HexToAddress(raw)
		group, exists := byContract[contract]
		if !exists {
			group = &MintGroup{Contract: contract}
			byContract[contract] = group
			order = append(order, contract)
		}
		group.Recipients = append(group.Recipients, target)
		group.TokenIDs = append(group.TokenIDs, tokenID)
		group.ItemRecordIDs = append(group.ItemRecordIDs, item.ID)
	}
	groups := make([]MintGroup, 0, len(order))
	for _, contract := range order {
		groups = append(groups, *byContract[contract])
	}
	return groups, skipped
}
