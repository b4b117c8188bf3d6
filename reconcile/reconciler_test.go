package reconcile

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"giveawayd/chain"
	"giveawayd/fulfill"
	"giveawayd/models"
	"giveawayd/storage"
)

type fakeClient struct {
	receipts map[common.Hash]*gethtypes.Receipt
	sent     []*gethtypes.Transaction
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (f *fakeClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 250000, nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeClient) confirm(hash common.Hash) {
	f.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful}
}

func (f *fakeClient) fail(hash common.Hash) {
	f.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed}
}

type harness struct {
	store  *storage.Store
	client *fakeClient
	recon  *Reconciler
	now    time.Time
	alerts []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:recon_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	store, err := storage.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	h := &harness{
		store:  store,
		client: &fakeClient{receipts: make(map[common.Hash]*gethtypes.Receipt)},
		now:    time.Now(),
	}
	recon, err := New(Config{
		Store:  store,
		Client: h.client,
		Now:    func() time.Time { return h.now },
		Alert: func(ctx context.Context, subject, body string) {
			h.alerts = append(h.alerts, subject)
		},
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	h.recon = recon
	return h
}

// seedLedgerTx creates an in-progress claim tied to a pending ledger
// transaction carrying the supplied hashes, aged by age.
func (h *harness) seedLedgerTx(t *testing.T, claimStatus models.ClaimStatus, age time.Duration, hashes ...string) (models.LedgerTransaction, models.Claim) {
	t.Helper()
	claim := models.Claim{
		ID:            uuid.New(),
		TargetAddress: "0x00000000000000000000000000000000000000aa",
		UserID:        "user-1",
		GiveawayID:    uuid.New(),
		Status:        claimStatus,
	}
	ledgerTx := models.LedgerTransaction{
		ID:         uuid.New(),
		TxType:     models.TxTypeItemGiveaway,
		ClaimID:    claim.ID,
		GiveawayID: claim.GiveawayID,
		Status:     models.LedgerTxPending,
	}
	claim.LedgerTransactionID = ledgerTx.ID
	if err := h.store.DB().Create(&ledgerTx).Error; err != nil {
		t.Fatalf("seed ledger tx: %v", err)
	}
	if err := h.store.DB().Create(&claim).Error; err != nil {
		t.Fatalf("seed claim: %v", err)
	}
	for _, hash := range hashes {
		row := models.ExternalTx{
			ID:                  uuid.New(),
			LedgerTransactionID: ledgerTx.ID,
			TxHash:              hash,
			CreatedAt:           h.now.Add(-age),
		}
		if err := h.store.DB().Create(&row).Error; err != nil {
			t.Fatalf("seed external tx: %v", err)
		}
	}
	return ledgerTx, claim
}

func (h *harness) ledgerStatus(t *testing.T, id uuid.UUID) models.LedgerTxStatus {
	t.Helper()
	ledgerTx, err := h.store.LedgerTransactionByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load ledger tx: %v", err)
	}
	return ledgerTx.Status
}

func (h *harness) claimStatus(t *testing.T, id uuid.UUID) models.ClaimStatus {
	t.Helper()
	claim, err := h.store.ClaimByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load claim: %v", err)
	}
	return claim.Status
}

func TestRunCompletesWhenAllConfirmed(t *testing.T) {
	h := newHarness(t)
	ledgerTx, claim := h.seedLedgerTx(t, models.ClaimInProgress, time.Minute, "0x01", "0x02", "0x03")
	h.client.confirm(common.HexToHash("0x01"))
	h.client.confirm(common.HexToHash("0x02"))
	h.client.confirm(common.HexToHash("0x03"))

	result, err := h.recon.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Completed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := h.ledgerStatus(t, ledgerTx.ID); got != models.LedgerTxCompleted {
		t.Fatalf("ledger status = %s, want %s", got, models.LedgerTxCompleted)
	}
	if got := h.claimStatus(t, claim.ID); got != models.ClaimComplete {
		t.Fatalf("claim status = %s, want %s", got, models.ClaimComplete)
	}
}

func TestRunFailsWhenAnyReceiptFailed(t *testing.T) {
	h := newHarness(t)
	ledgerTx, claim := h.seedLedgerTx(t, models.ClaimInProgress, time.Minute, "0x01", "0x02", "0x03")
	h.client.confirm(common.HexToHash("0x01"))
	h.client.confirm(common.HexToHash("0x02"))
	h.client.fail(common.HexToHash("0x03"))

	result, err := h.recon.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := h.ledgerStatus(t, ledgerTx.ID); got != models.LedgerTxFailed {
		t.Fatalf("ledger status = %s, want %s", got, models.LedgerTxFailed)
	}
	if got := h.claimStatus(t, claim.ID); got != models.ClaimFailed {
		t.Fatalf("claim status = %s, want %s", got, models.ClaimFailed)
	}
	if len(h.alerts) == 0 {
		t.Fatal("expected a failure alert")
	}
}

func TestRunFailsWithFailedReceiptDespiteUnminedSibling(t *testing.T) {
	h := newHarness(t)
	ledgerTx, claim := h.seedLedgerTx(t, models.ClaimInProgress, time.Minute, "0x01", "0x02")
	h.client.fail(common.HexToHash("0x01"))
	// 0x02 still unmined; the failed receipt decides the transaction anyway.

	result, err := h.recon.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Failed != 1 || result.StillPending != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := h.ledgerStatus(t, ledgerTx.ID); got != models.LedgerTxFailed {
		t.Fatalf("ledger status = %s, want %s", got, models.LedgerTxFailed)
	}
	if got := h.claimStatus(t, claim.ID); got != models.ClaimFailed {
		t.Fatalf("claim status = %s, want %s", got, models.ClaimFailed)
	}
}

func TestRunStaysPendingWithLiveUnminedTx(t *testing.T) {
	h := newHarness(t)
	ledgerTx, claim := h.seedLedgerTx(t, models.ClaimInProgress, time.Minute, "0x01", "0x02")
	h.client.confirm(common.HexToHash("0x01"))
	// 0x02 unmined but only a minute old.

	result, err := h.recon.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.StillPending != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := h.ledgerStatus(t, ledgerTx.ID); got != models.LedgerTxPending {
		t.Fatalf("ledger status = %s, want %s", got, models.LedgerTxPending)
	}
	if got := h.claimStatus(t, claim.ID); got != models.ClaimInProgress {
		t.Fatalf("claim status = %s, want %s", got, models.ClaimInProgress)
	}
}

func TestRunTimesOutStuckTransactions(t *testing.T) {
	h := newHarness(t)
	ledgerTx, claim := h.seedLedgerTx(t, models.ClaimInProgress, 4*time.Hour, "0x01")
	// Never mined and four hours old.

	result, err := h.recon.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Failed != 1 || result.Timeouts != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := h.ledgerStatus(t, ledgerTx.ID); got != models.LedgerTxFailed {
		t.Fatalf("ledger status = %s, want %s", got, models.LedgerTxFailed)
	}
	if got := h.claimStatus(t, claim.ID); got != models.ClaimFailed {
		t.Fatalf("claim status = %s, want %s", got, models.ClaimFailed)
	}
}

func TestRunJustUnderTimeoutStaysPending(t *testing.T) {
	h := newHarness(t)
	ledgerTx, _ := h.seedLedgerTx(t, models.ClaimInProgress, DefaultConfirmTimeout-time.Minute, "0x01")

	result, err := h.recon.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.StillPending != 1 || result.Timeouts != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := h.ledgerStatus(t, ledgerTx.ID); got != models.LedgerTxPending {
		t.Fatalf("ledger status = %s, want %s", got, models.LedgerTxPending)
	}
}

func TestRunSkipsTransactionsWithoutHashes(t *testing.T) {
	h := newHarness(t)
	ledgerTx, _ := h.seedLedgerTx(t, models.ClaimInProgress, 0)

	result, err := h.recon.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Checked != 0 || result.StillPending != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := h.ledgerStatus(t, ledgerTx.ID); got != models.LedgerTxPending {
		t.Fatalf("ledger status = %s, want %s", got, models.LedgerTxPending)
	}
}

func TestRunKeepsPartialFailureClaimStatus(t *testing.T) {
	h := newHarness(t)
	ledgerTx, claim := h.seedLedgerTx(t, models.ClaimPartialFailure, time.Minute, "0x01")
	h.client.confirm(common.HexToHash("0x01"))

	if _, err := h.recon.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := h.ledgerStatus(t, ledgerTx.ID); got != models.LedgerTxCompleted {
		t.Fatalf("ledger status = %s, want %s", got, models.LedgerTxCompleted)
	}
	// The submission-time classification is authoritative for partial claims.
	if got := h.claimStatus(t, claim.ID); got != models.ClaimPartialFailure {
		t.Fatalf("claim status = %s, want %s", got, models.ClaimPartialFailure)
	}
}

func TestRunWritesReportFiles(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	recon, err := New(Config{
		Store:     h.store,
		Client:    h.client,
		ReportDir: dir,
		Now:       func() time.Time { return h.now },
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	h.seedLedgerTx(t, models.ClaimInProgress, time.Minute, "0x01")
	h.client.confirm(common.HexToHash("0x01"))

	result, err := recon.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.ReportFiles) != 2 {
		t.Fatalf("report files = %v, want csv and parquet", result.ReportFiles)
	}
	for _, path := range result.ReportFiles {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", path, err)
		}
		if info.Size() == 0 {
			t.Fatalf("report %s is empty", path)
		}
	}
}

// TestSubmissionToConfirmation drives one claim through the full pipeline:
// batch submission leaves it in progress with a recorded hash, and a later
// reconciliation run against a confirmed receipt completes both the ledger
// transaction and the claim.
func TestSubmissionToConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.store.UpsertGasLimits(ctx, models.GasLimits{
		Network:             "ETH:137",
		GasPriceCeilingGwei: 100,
		GasLimitCeiling:     1_000_000,
	}); err != nil {
		t.Fatalf("seed gas limits: %v", err)
	}

	event := models.Event{ID: uuid.New(), Name: "launch"}
	if err := h.store.DB().Create(&event).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}
	giveaway := models.Giveaway{
		ID:               uuid.New(),
		EventID:          event.ID,
		Name:             "starter pack",
		AllocatedCredits: 5,
	}
	if err := h.store.DB().Create(&giveaway).Error; err != nil {
		t.Fatalf("seed giveaway: %v", err)
	}
	for _, tokenID := range []string{"1", "2"} {
		item := models.GiveawayItem{
			ID:              uuid.New(),
			GiveawayID:      giveaway.ID,
			ContractAddress: "0x00000000000000000000000000000000000000a1",
			ExternalItemID:  tokenID,
		}
		if err := h.store.DB().Create(&item).Error; err != nil {
			t.Fatalf("seed item: %v", err)
		}
	}
	ledgerTx := models.LedgerTransaction{
		ID:         uuid.New(),
		TxType:     models.TxTypeItemGiveaway,
		GiveawayID: giveaway.ID,
		Status:     models.LedgerTxPending,
	}
	claim := models.Claim{
		ID:                  uuid.New(),
		TargetAddress:       "0x00000000000000000000000000000000000000aa",
		UserID:              "user-1",
		EventID:             event.ID,
		GiveawayID:          giveaway.ID,
		LedgerTransactionID: ledgerTx.ID,
		Status:              models.ClaimPending,
	}
	ledgerTx.ClaimID = claim.ID
	if err := h.store.DB().Create(&ledgerTx).Error; err != nil {
		t.Fatalf("seed ledger tx: %v", err)
	}
	if err := h.store.DB().Create(&claim).Error; err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	minter, err := chain.NewMinter(h.client, key, big.NewInt(137))
	if err != nil {
		t.Fatalf("new minter: %v", err)
	}
	proc, err := fulfill.NewProcessor(h.store, h.client, minter, "ETH:137")
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	batch, err := proc.RunBatch(ctx)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if batch.Submitted != 1 {
		t.Fatalf("unexpected batch result: %+v", batch)
	}
	if len(h.client.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(h.client.sent))
	}
	if got := h.claimStatus(t, claim.ID); got != models.ClaimInProgress {
		t.Fatalf("claim status = %s, want %s", got, models.ClaimInProgress)
	}

	gotGiveaway, err := h.store.GiveawayByID(ctx, giveaway.ID)
	if err != nil {
		t.Fatalf("load giveaway: %v", err)
	}
	if gotGiveaway.AllocatedCredits != 4 || gotGiveaway.ClaimCount != 1 {
		t.Fatalf("bookkeeping: credits=%d claims=%d", gotGiveaway.AllocatedCredits, gotGiveaway.ClaimCount)
	}

	h.client.confirm(h.client.sent[0].Hash())
	result, err := h.recon.Run(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Completed != 1 {
		t.Fatalf("unexpected reconcile result: %+v", result)
	}
	if got := h.ledgerStatus(t, ledgerTx.ID); got != models.LedgerTxCompleted {
		t.Fatalf("ledger status = %s, want %s", got, models.LedgerTxCompleted)
	}
	if got := h.claimStatus(t, claim.ID); got != models.ClaimComplete {
		t.Fatalf("claim status = %s, want %s", got, models.ClaimComplete)
	}
}
