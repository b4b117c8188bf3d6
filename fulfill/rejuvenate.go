package fulfill

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"giveawayd/models"
)

// Rejuvenate returns claims parked for lack of credit back to the pending
// queue once their giveaway has been restocked. It returns how many claims
// were revived. Claims whose giveaway is still dry stay parked.
func (p *Processor) Rejuvenate(ctx context.Context) (int, error) {
	parked, err := p.store.InsufficientCreditClaims(ctx)
	if err != nil {
		return 0, fmt.Errorf("select parked claims: %w", err)
	}
	if len(parked) == 0 {
		return 0, nil
	}

	// One credit lookup per giveaway, not per claim.
	funded := make(map[uuid.UUID]bool, len(parked))
	revived := 0
	for _, claim := range parked {
		if err := ctx.Err(); err != nil {
			return revived, err
		}
		hasCredit, seen := funded[claim.GiveawayID]
		if !seen {
			giveaway, err := p.store.GiveawayByID(ctx, claim.GiveawayID)
			if err != nil {
				p.logger.Error("giveaway lookup failed during rejuvenation",
					"claim_id", claim.ID, "giveaway_id", claim.GiveawayID, "error", err)
				continue
			}
			hasCredit = giveaway.AllocatedCredits > 0
			funded[claim.GiveawayID] = hasCredit
		}
		if !hasCredit {
			continue
		}
		moved, err := p.store.TransitionClaim(ctx, claim.ID, models.ClaimInsufficientCredit, models.ClaimPending)
		if err != nil {
			p.logger.Error("claim rejuvenation failed", "claim_id", claim.ID, "error", err)
			continue
		}
		if moved {
			revived++
		}
	}
	if revived > 0 {
		p.logger.Info("parked claims revived", "count", revived)
	}
	return revived, nil
}
