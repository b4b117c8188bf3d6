package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ClaimStatus represents a state in the claim fulfillment workflow.
type ClaimStatus string

// All claim workflow states.
const (
	ClaimPending            ClaimStatus = "pending"
	ClaimInProgress         ClaimStatus = "in_progress"
	ClaimComplete           ClaimStatus = "complete"
	ClaimPartialFailure     ClaimStatus = "partial_failure"
	ClaimFailed             ClaimStatus = "failed"
	ClaimInsufficientCredit ClaimStatus = "insufficient_credit"
)

// LedgerTxStatus represents the aggregate status of a ledger transaction.
type LedgerTxStatus string

// Ledger transaction statuses.
const (
	LedgerTxPending   LedgerTxStatus = "pending"
	LedgerTxCompleted LedgerTxStatus = "completed"
	LedgerTxFailed    LedgerTxStatus = "failed"
)

// LedgerTxType distinguishes the accounting records the reconciler handles.
type LedgerTxType string

// Ledger transaction types.
const (
	TxTypeItemGiveaway     LedgerTxType = "item_giveaway"
	TxTypeAllocatedCredits LedgerTxType = "allocated_credits"
)

// Claim is a user's request to receive giveaway items. Claims are never
// deleted; their lifecycle is expressed entirely through Status.
type Claim struct {
	ID                  uuid.UUID   `gorm:"type:uuid;primaryKey"`
	TargetAddress       string      `gorm:"size:42;index"`
	UserID              string      `gorm:"size:64;index"`
	ClientIP            string      `gorm:"size:45"`
	SceneID             string      `gorm:"size:64"`
	EventID             uuid.UUID   `gorm:"type:uuid;index"`
	GiveawayID          uuid.UUID   `gorm:"type:uuid;index"`
	LedgerTransactionID uuid.UUID   `gorm:"type:uuid;index"`
	Status              ClaimStatus `gorm:"size:32;index"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Giveaway defines the item set and remaining credit for one campaign.
type Giveaway struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	EventID          uuid.UUID `gorm:"type:uuid;index"`
	Name             string    `gorm:"size:128"`
	Paused           bool
	AllocatedCredits int64 `gorm:"not null"`
	ClaimCount       int64 `gorm:"not null"`
	Items            []GiveawayItem
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// GiveawayItem references one mintable item on a settlement contract.
type GiveawayItem struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	GiveawayID      uuid.UUID `gorm:"type:uuid;index"`
	Name            string    `gorm:"size:128"`
	ContractAddress string    `gorm:"size:42;index"`
	ExternalItemID  string    `gorm:"size:78"`
	ClaimCount      int64     `gorm:"not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Event carries the scheduling window a giveaway is attached to.
type Event struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"size:128"`
	StartsAt  *time.Time
	EndsAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreditAllocation is the accounting entry mirroring a giveaway's allocated
// credits; it is decremented in lockstep with Giveaway.AllocatedCredits.
type CreditAllocation struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	GiveawayID       uuid.UUID `gorm:"type:uuid;index"`
	UserID           string    `gorm:"size:64"`
	AllocatedCredits int64     `gorm:"not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LedgerTransaction groups the external transaction hashes produced while
// fulfilling one claim. External ids live in ExternalTx child rows so the set
// semantics (append-only, deduplicated) fall out of the unique index.
type LedgerTransaction struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	TxType      LedgerTxType   `gorm:"size:32;index"`
	ClaimID     uuid.UUID      `gorm:"type:uuid;index"`
	GiveawayID  uuid.UUID      `gorm:"type:uuid;index"`
	Status      LedgerTxStatus `gorm:"size:16;index"`
	ExternalTxs []ExternalTx
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExternalTx is one submitted transaction hash on the settlement ledger.
type ExternalTx struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	LedgerTransactionID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_ledger_tx_hash"`
	TxHash              string    `gorm:"size:66;uniqueIndex:idx_ledger_tx_hash"`
	CreatedAt           time.Time
}

// UserGiveawayTx records an external transaction hash delivered to a user for
// a giveaway, kept for the per-user transaction history surface.
type UserGiveawayTx struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     string    `gorm:"size:64;uniqueIndex:idx_user_giveaway_hash"`
	GiveawayID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_user_giveaway_hash"`
	TxHash     string    `gorm:"size:66;uniqueIndex:idx_user_giveaway_hash"`
	CreatedAt  time.Time
}

// GasLimits holds the per-network admission ceilings. The row is re-read at
// the start of every batch; fee conditions move too quickly to cache.
type GasLimits struct {
	Network             string `gorm:"primaryKey;size:32"`
	GasPriceCeilingGwei int64  `gorm:"not null"`
	GasLimitCeiling     uint64 `gorm:"not null"`
	GasBufferWei        int64  `gorm:"not null"`
	UpdatedAt           time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Event{},
		&Giveaway{},
		&GiveawayItem{},
		&CreditAllocation{},
		&Claim{},
		&LedgerTransaction{},
		&ExternalTx{},
		&UserGiveawayTx{},
		&GasLimits{},
	)
}
