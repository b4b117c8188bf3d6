package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"giveawayd/chain"
	"giveawayd/models"
	"giveawayd/observability"
	"giveawayd/storage"
)

// DefaultConfirmTimeout is how long an external transaction may sit unmined
// before it is written off as dropped.
const DefaultConfirmTimeout = 3 * time.Hour

// AlertFunc receives operator notifications for failed ledger transactions.
type AlertFunc func(ctx context.Context, subject, body string)

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Store          *storage.Store
	Client         chain.Client
	ConfirmTimeout time.Duration
	ReportDir      string
	Now            func() time.Time
	Alert          AlertFunc
	Logger         *slog.Logger
	Metrics        *observability.ReconcilerMetrics
}

// Reconciler folds on-chain receipts back into ledger transactions and, from
// there, into claim statuses. Submission success is provisional until this
// loop confirms it.
type Reconciler struct {
	store          *storage.Store
	client         chain.Client
	confirmTimeout time.Duration
	reportDir      string
	now            func() time.Time
	alert          AlertFunc
	logger         *slog.Logger
	metrics        *observability.ReconcilerMetrics
}

// Result summarises one reconciliation run.
type Result struct {
	Checked      int      `json:"checked"`
	Completed    int      `json:"completed"`
	Failed       int      `json:"failed"`
	StillPending int      `json:"still_pending"`
	Timeouts     int      `json:"timeouts"`
	ReportFiles  []string `json:"report_files,omitempty"`
}

// New builds a configured reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("reconcile: store is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("reconcile: client is required")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Alert == nil {
		cfg.Alert = func(ctx context.Context, subject, body string) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.Reconciler()
	}
	return &Reconciler{
		store:          cfg.Store,
		client:         cfg.Client,
		confirmTimeout: cfg.ConfirmTimeout,
		reportDir:      cfg.ReportDir,
		now:            cfg.Now,
		alert:          cfg.Alert,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}, nil
}

// Run executes one reconciliation pass over every pending ledger transaction.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	start := r.now()
	pending, err := r.store.PendingLedgerTransactions(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load pending ledger transactions: %w", err)
	}

	var result Result
	var rows []ReportRow
	for _, ledgerTx := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if len(ledgerTx.ExternalTxs) == 0 {
			// Nothing submitted yet; the settlement batch still owns it.
			result.StillPending++
			continue
		}
		result.Checked++
		row, err := r.reconcileOne(ctx, ledgerTx)
		if err != nil {
			r.logger.Error("ledger transaction reconciliation failed",
				"ledger_tx_id", ledgerTx.ID, "error", err)
			result.StillPending++
			continue
		}
		result.Timeouts += row.Timeouts
		switch row.Status {
		case models.LedgerTxCompleted:
			result.Completed++
		case models.LedgerTxFailed:
			result.Failed++
		default:
			result.StillPending++
		}
		rows = append(rows, row)
	}

	if r.reportDir != "" && len(rows) > 0 {
		files, err := writeRunReport(r.reportDir, start, rows)
		if err != nil {
			r.logger.Error("run report write failed", "error", err)
		} else {
			result.ReportFiles = files
		}
	}

	r.metrics.RecordRun(r.now().Sub(start), result.StillPending)
	r.logger.Info("reconciliation run finished",
		"checked", result.Checked,
		"completed", result.Completed,
		"failed", result.Failed,
		"still_pending", result.StillPending,
		"timeouts", result.Timeouts)
	return result, nil
}

// reconcileOne aggregates the receipt state of every external id on one
// ledger transaction and applies the outcome. An unmined transaction older
// than the confirm timeout counts as failed; one failed receipt fails the
// whole transaction; otherwise any live pending id keeps it pending for the
// next run.
func (r *Reconciler) reconcileOne(ctx context.Context, ledgerTx models.LedgerTransaction) (ReportRow, error) {
	row := ReportRow{
		LedgerTxID: ledgerTx.ID,
		ClaimID:    ledgerTx.ClaimID,
		TxType:     string(ledgerTx.TxType),
		Hashes:     len(ledgerTx.ExternalTxs),
		Status:     models.LedgerTxPending,
	}
	now := r.now()
	for _, external := range ledgerTx.ExternalTxs {
		state, err := chain.CheckReceipt(ctx, r.client, common.HexToHash(external.TxHash))
		if err != nil {
			return row, err
		}
		switch state {
		case chain.ReceiptConfirmed:
			row.Confirmed++
		case chain.ReceiptFailed:
			row.FailedReceipts++
		default:
			if now.Sub(external.CreatedAt) > r.confirmTimeout {
				// Stuck or dropped; write it off.
				row.Timeouts++
				row.FailedReceipts++
				r.metrics.RecordTimeout()
			} else {
				row.Pending++
			}
		}
	}

	// Any failed receipt fails the transaction outright, even while sibling
	// hashes are still unmined: the claim needs a re-mint either way, and
	// hashes that land later are still unioned on the ledger row.
	switch {
	case row.FailedReceipts > 0:
		row.Status = models.LedgerTxFailed
	case row.Pending > 0:
		return row, nil
	case row.Confirmed == row.Hashes:
		row.Status = models.LedgerTxCompleted
	default:
		return row, nil
	}

	moved, err := r.store.TransitionLedgerTransaction(ctx, ledgerTx.ID, models.LedgerTxPending, row.Status)
	if err != nil {
		return row, err
	}
	if !moved {
		row.Status = models.LedgerTxPending
		return row, nil
	}
	r.metrics.RecordFinalised(string(row.Status))
	r.propagateToClaim(ctx, ledgerTx, row.Status)
	return row, nil
}

// propagateToClaim pushes a finalised ledger transaction onto its claim. Only
// claims still in progress move; a claim already classified partial_failure
// at submission time keeps that status.
func (r *Reconciler) propagateToClaim(ctx context.Context, ledgerTx models.LedgerTransaction, status models.LedgerTxStatus) {
	if ledgerTx.TxType != models.TxTypeItemGiveaway || ledgerTx.ClaimID == zeroUUID {
		return
	}
	target := models.ClaimComplete
	if status == models.LedgerTxFailed {
		target = models.ClaimFailed
	}
	moved, err := r.store.TransitionClaim(ctx, ledgerTx.ClaimID, models.ClaimInProgress, target)
	if err != nil {
		r.logger.Error("claim propagation failed",
			"claim_id", ledgerTx.ClaimID, "target", target, "error", err)
		return
	}
	if moved {
		r.logger.Info("claim finalised by reconciliation",
			"claim_id", ledgerTx.ClaimID, "status", target)
	}
	if status == models.LedgerTxFailed {
		r.alert(ctx, "ledger transaction failed",
			fmt.Sprintf("ledger transaction %s for claim %s failed on-chain", ledgerTx.ID, ledgerTx.ClaimID))
	}
}
