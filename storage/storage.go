package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"giveawayd/models"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("storage: record not found")

	// ErrInsufficientCredit is returned when a conditional credit decrement
	// finds fewer credits than requested.
	ErrInsufficientCredit = errors.New("storage: insufficient allocated credits")
)

// Store wraps the giveawayd persistence layer. All credit mutations are
// expressed as conditional updates inside the database, never as in-memory
// read-modify-write, so overlapping batch runs cannot over-spend.
type Store struct {
	db       *gorm.DB
	pageSize int
	limiter  *rate.Limiter
}

// Option customises a Store instance.
type Option func(*Store)

// WithPageSize bounds the page size used for status scans.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithPageDelay paces continuation queries so large scans do not overwhelm
// the backing store.
func WithPageDelay(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// Open connects to the postgres database and applies schema migrations.
func Open(dsn string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("storage: dsn required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db, opts...)
}

// New wraps an existing gorm handle, migrating the schema first. Tests use
// this with an in-memory sqlite database.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: db required")
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	store := &Store{
		db:       db,
		pageSize: 100,
		limiter:  rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// DB exposes the underlying handle for administrative surfaces and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// pagedClaims scans claims matching the supplied statuses oldest-first,
// following continuation pages up to max records. A zero max scans everything.
func (s *Store) pagedClaims(ctx context.Context, statuses []models.ClaimStatus, max int) ([]models.Claim, error) {
	var all []models.Claim
	for offset := 0; ; offset += s.pageSize {
		if offset > 0 {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		limit := s.pageSize
		if max > 0 && max-len(all) < limit {
			limit = max - len(all)
		}
		var page []models.Claim
		err := s.db.WithContext(ctx).
			Where("status IN ?", statuses).
			Order("created_at ASC").
			Limit(limit).
			Offset(offset).
			Find(&page).Error
		if err != nil {
			return nil, fmt.Errorf("scan claims: %w", err)
		}
		all = append(all, page...)
		if len(page) < limit || (max > 0 && len(all) >= max) {
			return all, nil
		}
	}
}

// PendingClaims returns up to cap claims eligible for settlement: fresh
// pending claims plus previously failed claims awaiting retry.
func (s *Store) PendingClaims(ctx context.Context, cap int) ([]models.Claim, error) {
	return s.pagedClaims(ctx, []models.ClaimStatus{models.ClaimPending, models.ClaimFailed}, cap)
}

// InsufficientCreditClaims returns every claim parked for lack of credit.
func (s *Store) InsufficientCreditClaims(ctx context.Context) ([]models.Claim, error) {
	return s.pagedClaims(ctx, []models.ClaimStatus{models.ClaimInsufficientCredit}, 0)
}

// ClaimByID loads a single claim.
func (s *Store) ClaimByID(ctx context.Context, id uuid.UUID) (models.Claim, error) {
	var claim models.Claim
	err := s.db.WithContext(ctx).First(&claim, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return claim, fmt.Errorf("claim %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return claim, fmt.Errorf("load claim: %w", err)
	}
	return claim, nil
}

// GiveawayByID loads a giveaway with its item records.
func (s *Store) GiveawayByID(ctx context.Context, id uuid.UUID) (models.Giveaway, error) {
	var giveaway models.Giveaway
	err := s.db.WithContext(ctx).Preload("Items").First(&giveaway, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return giveaway, fmt.Errorf("giveaway %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return giveaway, fmt.Errorf("load giveaway: %w", err)
	}
	return giveaway, nil
}

// EventByID loads the event window a giveaway is attached to.
func (s *Store) EventByID(ctx context.Context, id uuid.UUID) (models.Event, error) {
	var event models.Event
	err := s.db.WithContext(ctx).First(&event, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return event, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return event, fmt.Errorf("load event: %w", err)
	}
	return event, nil
}

// TransitionClaim performs the guarded status transition from -> to. It
// reports false when the claim was not in the expected prior state, which
// makes job re-delivery idempotent: the second delivery observes the claim
// already moved on and does nothing.
func (s *Store) TransitionClaim(ctx context.Context, id uuid.UUID, from, to models.ClaimStatus) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Claim{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, fmt.Errorf("transition claim %s %s->%s: %w", id, from, to, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SettleClaimCredits performs the post-submission bookkeeping for one claim
// in a single database transaction: the giveaway loses exactly n allocated
// credits and gains n claims, the parallel credit allocation ledger is
// decremented in lockstep, and each minted item's claim counter advances.
// The giveaway decrement is conditional on sufficient remaining credit; when
// the guard fails nothing is changed and ErrInsufficientCredit is returned.
func (s *Store) SettleClaimCredits(ctx context.Context, giveawayID uuid.UUID, itemIDs []uuid.UUID, n int) error {
	if n <= 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Giveaway{}).
			Where("id = ? AND allocated_credits >= ?", giveawayID, n).
			Updates(map[string]any{
				"allocated_credits": gorm.Expr("allocated_credits - ?", n),
				"claim_count":       gorm.Expr("claim_count + ?", n),
			})
		if res.Error != nil {
			return fmt.Errorf("decrement giveaway credits: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("giveaway %s: %w", giveawayID, ErrInsufficientCredit)
		}
		if err := decrementAllocations(tx, giveawayID, int64(n)); err != nil {
			return err
		}
		if len(itemIDs) > 0 {
			if err := tx.Model(&models.GiveawayItem{}).
				Where("id IN ?", itemIDs).
				Update("claim_count", gorm.Expr("claim_count + ?", 1)).Error; err != nil {
				return fmt.Errorf("increment item claim counts: %w", err)
			}
		}
		return nil
	})
}

// decrementAllocations walks the giveaway's allocation entries oldest-first
// and consumes credits until n is spent. Allocation rows mirror the giveaway
// counter, so the sum of positive allocations always covers the decrement
// that just succeeded on the giveaway row.
func decrementAllocations(tx *gorm.DB, giveawayID uuid.UUID, n int64) error {
	var allocations []models.CreditAllocation
	if err := tx.Where("giveaway_id = ? AND allocated_credits > 0", giveawayID).
		Order("created_at ASC").
		Find(&allocations).Error; err != nil {
		return fmt.Errorf("load allocations: %w", err)
	}
	remaining := n
	for _, allocation := range allocations {
		if remaining == 0 {
			break
		}
		take := allocation.AllocatedCredits
		if take > remaining {
			take = remaining
		}
		res := tx.Model(&models.CreditAllocation{}).
			Where("id = ? AND allocated_credits >= ?", allocation.ID, take).
			Update("allocated_credits", gorm.Expr("allocated_credits - ?", take))
		if res.Error != nil {
			return fmt.Errorf("decrement allocation %s: %w", allocation.ID, res.Error)
		}
		if res.RowsAffected > 0 {
			remaining -= take
		}
	}
	return nil
}

// RestockGiveawayCredits adds credits back to a giveaway and records the
// matching allocation entry. Used by operator tooling and rejuvenation tests.
func (s *Store) RestockGiveawayCredits(ctx context.Context, giveawayID uuid.UUID, userID string, n int64) error {
	if n <= 0 {
		return fmt.Errorf("storage: restock amount must be positive")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Giveaway{}).
			Where("id = ?", giveawayID).
			Update("allocated_credits", gorm.Expr("allocated_credits + ?", n))
		if res.Error != nil {
			return fmt.Errorf("restock giveaway: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("giveaway %s: %w", giveawayID, ErrNotFound)
		}
		allocation := models.CreditAllocation{
			ID:               uuid.New(),
			GiveawayID:       giveawayID,
			UserID:           userID,
			AllocatedCredits: n,
		}
		if err := tx.Create(&allocation).Error; err != nil {
			return fmt.Errorf("create allocation: %w", err)
		}
		return nil
	})
}

// AppendExternalTxs unions the supplied transaction hashes into the ledger
// transaction's external id set. Duplicates are silently dropped by the
// unique index; reconciliation never removes entries.
func (s *Store) AppendExternalTxs(ctx context.Context, ledgerTxID uuid.UUID, hashes []string) error {
	rows := make([]models.ExternalTx, 0, len(hashes))
	for _, hash := range hashes {
		hash = strings.TrimSpace(hash)
		if hash == "" {
			continue
		}
		rows = append(rows, models.ExternalTx{
			ID:                  uuid.New(),
			LedgerTransactionID: ledgerTxID,
			TxHash:              hash,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("append external txs: %w", err)
	}
	return nil
}

// AppendUserGiveawayTxs records delivered transaction hashes on the user's
// per-giveaway history, deduplicated the same way.
func (s *Store) AppendUserGiveawayTxs(ctx context.Context, userID string, giveawayID uuid.UUID, hashes []string) error {
	rows := make([]models.UserGiveawayTx, 0, len(hashes))
	for _, hash := range hashes {
		hash = strings.TrimSpace(hash)
		if hash == "" {
			continue
		}
		rows = append(rows, models.UserGiveawayTx{
			ID:         uuid.New(),
			UserID:     userID,
			GiveawayID: giveawayID,
			TxHash:     hash,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("append user giveaway txs: %w", err)
	}
	return nil
}

// LedgerTransactionByID loads one ledger transaction with its external ids.
func (s *Store) LedgerTransactionByID(ctx context.Context, id uuid.UUID) (models.LedgerTransaction, error) {
	var ledgerTx models.LedgerTransaction
	err := s.db.WithContext(ctx).Preload("ExternalTxs").First(&ledgerTx, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledgerTx, fmt.Errorf("ledger transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ledgerTx, fmt.Errorf("load ledger transaction: %w", err)
	}
	return ledgerTx, nil
}

// PendingLedgerTransactions returns giveaway ledger transactions still
// awaiting on-chain confirmation, external ids preloaded.
func (s *Store) PendingLedgerTransactions(ctx context.Context) ([]models.LedgerTransaction, error) {
	var pending []models.LedgerTransaction
	err := s.db.WithContext(ctx).
		Preload("ExternalTxs").
		Where("status = ? AND tx_type = ?", models.LedgerTxPending, models.TxTypeItemGiveaway).
		Order("created_at ASC").
		Find(&pending).Error
	if err != nil {
		return nil, fmt.Errorf("scan pending ledger transactions: %w", err)
	}
	return pending, nil
}

// TransitionLedgerTransaction performs the guarded ledger transaction status
// update, reporting whether the guard fired.
func (s *Store) TransitionLedgerTransaction(ctx context.Context, id uuid.UUID, from, to models.LedgerTxStatus) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.LedgerTransaction{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, fmt.Errorf("transition ledger transaction %s %s->%s: %w", id, from, to, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GasLimits reads the admission ceilings for a network. The caller re-reads
// this every batch; the row is the operator's live control surface.
func (s *Store) GasLimits(ctx context.Context, network string) (models.GasLimits, error) {
	var limits models.GasLimits
	err := s.db.WithContext(ctx).First(&limits, "network = ?", network).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return limits, fmt.Errorf("gas limits for %s: %w", network, ErrNotFound)
	}
	if err != nil {
		return limits, fmt.Errorf("load gas limits: %w", err)
	}
	return limits, nil
}

// UpsertGasLimits writes the admission ceilings for a network.
func (s *Store) UpsertGasLimits(ctx context.Context, limits models.GasLimits) error {
	if strings.TrimSpace(limits.Network) == "" {
		return fmt.Errorf("storage: network required")
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "network"}},
			UpdateAll: true,
		}).
		Create(&limits).Error
	if err != nil {
		return fmt.Errorf("upsert gas limits: %w", err)
	}
	return nil
}
