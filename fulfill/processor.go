package fulfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"giveawayd/chain"
	"giveawayd/models"
	"giveawayd/observability"
	"giveawayd/storage"
)

// ErrPaused is returned when a batch run is attempted while the processor is
// administratively paused.
var ErrPaused = errors.New("fulfill: processor paused")

// Batch outcome labels recorded on metrics and returned in BatchResult.
const (
	BatchSettled  = "settled"
	BatchIdle     = "idle"
	BatchDeferred = "deferred"
)

// BatchResult summarises one settlement run. Submitted counts claims whose
// every attempted group landed; they stay in progress until reconciliation
// confirms the transactions on-chain.
type BatchResult struct {
	Outcome        string `json:"outcome"`
	GasPriceGwei   int64  `json:"gas_price_gwei"`
	Selected       int    `json:"selected"`
	Submitted      int    `json:"submitted"`
	PartialFailure int    `json:"partial_failure"`
	Failed         int    `json:"failed"`
	Parked         int    `json:"parked"`
	Requeued       int    `json:"requeued"`
	Skipped        int    `json:"skipped"`
}

// Processor drains pending claims, submits mint transactions grouped by
// contract, and settles the credit ledger for whatever actually landed.
type Processor struct {
	store    *storage.Store
	client   chain.Client
	minter   *chain.Minter
	metrics  *observability.SettlementMetrics
	logger   *slog.Logger
	alert    func(ctx context.Context, subject, body string)
	network  string
	batchCap int
	now      func() time.Time

	mu     sync.Mutex
	paused bool
	lastAt time.Time
	last   BatchResult
}

// Option customises the processor.
type Option func(*Processor)

// WithBatchCap bounds how many claims one run may settle.
func WithBatchCap(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.batchCap = n
		}
	}
}

// WithAlert installs the operator alert hook.
func WithAlert(alert func(ctx context.Context, subject, body string)) Option {
	return func(p *Processor) { p.alert = alert }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.SettlementMetrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(p *Processor) {
		if clock != nil {
			p.now = clock
		}
	}
}

// NewProcessor constructs a settlement processor for one network.
func NewProcessor(store *storage.Store, client chain.Client, minter *chain.Minter, network string, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("fulfill: store required")
	}
	if client == nil {
		return nil, fmt.Errorf("fulfill: client required")
	}
	if minter == nil {
		return nil, fmt.Errorf("fulfill: minter required")
	}
	if network == "" {
		return nil, fmt.Errorf("fulfill: network required")
	}
	proc := &Processor{
		store:    store,
		client:   client,
		minter:   minter,
		metrics:  observability.Settlement(),
		logger:   slog.Default(),
		network:  network,
		batchCap: 30,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(proc)
	}
	return proc, nil
}

// RunBatch executes one settlement pass. Gas admission is decided before any
// claim is touched: a rejected quote defers the entire batch with zero state
// change. Claims inside an admitted batch are settled sequentially so nonce
// order matches submission order.
func (p *Processor) RunBatch(ctx context.Context) (BatchResult, error) {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return BatchResult{}, ErrPaused
	}
	p.mu.Unlock()

	start := p.now()
	result, err := p.runBatch(ctx)
	if err != nil {
		return result, err
	}
	p.metrics.RecordBatch(result.Outcome, p.now().Sub(start))
	p.mu.Lock()
	p.last = result
	p.lastAt = p.now()
	p.mu.Unlock()
	return result, nil
}

func (p *Processor) runBatch(ctx context.Context) (BatchResult, error) {
	limits, err := p.store.GasLimits(ctx, p.network)
	if err != nil {
		return BatchResult{}, fmt.Errorf("load gas limits: %w", err)
	}
	ceilings := chain.Ceilings{
		PriceCeilingGwei: limits.GasPriceCeilingGwei,
		LimitCeiling:     limits.GasLimitCeiling,
		BufferWei:        limits.GasBufferWei,
	}

	quote, err := chain.QuoteGasPrice(ctx, p.client, ceilings)
	if err != nil {
		return BatchResult{}, err
	}
	p.metrics.SetObservedGasPrice(float64(quote.PriceGwei))
	if !quote.Admitted {
		p.logger.Warn("batch deferred by gas price",
			"price_gwei", quote.PriceGwei,
			"ceiling_gwei", ceilings.PriceCeilingGwei)
		p.notify(ctx, "settlement deferred",
			fmt.Sprintf("gas at %d gwei exceeds ceiling %d gwei, batch postponed", quote.PriceGwei, ceilings.PriceCeilingGwei))
		return BatchResult{Outcome: BatchDeferred, GasPriceGwei: quote.PriceGwei}, nil
	}

	claims, err := p.store.PendingClaims(ctx, p.batchCap)
	if err != nil {
		return BatchResult{}, fmt.Errorf("select claims: %w", err)
	}
	result := BatchResult{GasPriceGwei: quote.PriceGwei, Selected: len(claims)}
	if len(claims) == 0 {
		result.Outcome = BatchIdle
		return result, nil
	}

	sequencer, err := chain.NewNonceSequencer(ctx, p.client, p.minter.From())
	if err != nil {
		return BatchResult{}, err
	}

	for _, claim := range claims {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := p.settleClaim(ctx, claim, sequencer, ceilings, &result); err != nil {
			return result, err
		}
	}
	result.Outcome = BatchSettled
	return result, nil
}

// settleClaim drives one claim through the status machine. Claim-level
// problems land the claim in a definite status and never abort the rest of
// the batch; only an RPC connectivity error surfaces, failing the run so the
// scheduler retries the whole batch.
func (p *Processor) settleClaim(ctx context.Context, claim models.Claim, sequencer *chain.NonceSequencer, ceilings chain.Ceilings, result *BatchResult) error {
	logger := p.logger.With("claim_id", claim.ID, "giveaway_id", claim.GiveawayID)

	moved, err := p.store.TransitionClaim(ctx, claim.ID, claim.Status, models.ClaimInProgress)
	if err != nil {
		logger.Error("claim transition failed", "error", err)
		result.Skipped++
		return nil
	}
	if !moved {
		// Another run already owns this claim.
		result.Skipped++
		return nil
	}

	finish := func(to models.ClaimStatus) {
		if _, err := p.store.TransitionClaim(ctx, claim.ID, models.ClaimInProgress, to); err != nil {
			logger.Error("claim finalisation failed", "to", to, "error", err)
		}
	}

	giveaway, err := p.store.GiveawayByID(ctx, claim.GiveawayID)
	if err != nil {
		logger.Error("giveaway lookup failed", "error", err)
		finish(models.ClaimFailed)
		result.Failed++
		return nil
	}
	if giveaway.Paused {
		logger.Info("giveaway paused, claim requeued")
		finish(models.ClaimPending)
		result.Requeued++
		return nil
	}
	if ended, when := eventEnded(p.now(), p.eventEnd(ctx, giveaway.EventID)); ended {
		logger.Info("event over, claim failed", "ended_at", when)
		finish(models.ClaimFailed)
		result.Failed++
		return nil
	}
	if giveaway.AllocatedCredits <= 0 {
		logger.Info("giveaway out of credits, claim parked")
		finish(models.ClaimInsufficientCredit)
		p.metrics.RecordParkedClaim()
		result.Parked++
		return nil
	}

	target := common.HexToAddress(claim.TargetAddress)
	groups, skippedItems := GroupItems(target, giveaway.Items)
	for _, reason := range skippedItems {
		logger.Warn("item skipped", "reason", reason)
	}
	if len(groups) == 0 {
		logger.Error("no mintable items on giveaway")
		finish(models.ClaimFailed)
		result.Failed++
		return nil
	}

	outcomes, quoteErr := p.submitGroups(ctx, logger, target, groups, sequencer, ceilings)
	if quoteErr != nil && len(outcomes) == 0 {
		// Nothing reached the chain: put the claim back where it was and
		// fail the run so the next scheduled tick retries the batch.
		finish(claim.Status)
		result.Skipped++
		return fmt.Errorf("quote gas price: %w", quoteErr)
	}
	status := p.classify(outcomes)

	if err := p.bookkeep(ctx, logger, claim, groups, outcomes); err != nil {
		logger.Error("claim bookkeeping failed", "error", err)
	}

	switch status {
	case models.ClaimInProgress:
		// Submitted cleanly; reconciliation owns the rest of the lifecycle.
		result.Submitted++
	case models.ClaimPartialFailure:
		finish(models.ClaimPartialFailure)
		result.PartialFailure++
	case models.ClaimPending:
		finish(models.ClaimPending)
		result.Requeued++
	default:
		finish(models.ClaimFailed)
		result.Failed++
	}
	logger.Info("claim settled", "status", status, "groups", len(groups))
	if quoteErr != nil {
		// Earlier groups already mutated chain state, so the claim was
		// settled with what landed; the run still fails for connectivity.
		return fmt.Errorf("quote gas price: %w", quoteErr)
	}
	return nil
}

// submitGroups runs the claim's mint groups in order against a shared nonce
// sequence. Gas admission is re-checked per group: the price can move while
// earlier groups submit. A deferred group stops the remaining groups for this
// cycle without consuming a nonce; a consumed nonce is never reused, even
// when the submission it was minted for fails. A quote RPC error is not a
// group outcome: it stops the loop and surfaces to the caller.
func (p *Processor) submitGroups(ctx context.Context, logger *slog.Logger, target common.Address, groups []MintGroup, sequencer *chain.NonceSequencer, ceilings chain.Ceilings) ([]GroupOutcome, error) {
	outcomes := make([]GroupOutcome, 0, len(groups))
	for _, group := range groups {
		outcome := GroupOutcome{Contract: group.Contract.Hex()}

		quote, err := chain.QuoteGasPrice(ctx, p.client, ceilings)
		if err != nil {
			return outcomes, err
		}
		if !quote.Admitted {
			outcome.Result = GroupDeferred
			outcome.Reason = fmt.Sprintf("gas at %d gwei over ceiling", quote.PriceGwei)
			outcomes = append(outcomes, outcome)
			p.metrics.RecordSubmission(string(outcome.Result))
			break
		}

		estimate, err := p.minter.EstimateMintGas(ctx, group.Contract, group.Recipients, group.TokenIDs, ceilings.LimitCeiling)
		if err != nil {
			switch {
			case errors.Is(err, chain.ErrItemExhausted):
				outcome.Result = GroupExhausted
			case errors.Is(err, chain.ErrGasLimitExceeded):
				outcome.Result = GroupDeferred
			default:
				outcome.Result = GroupFailed
			}
			outcome.Reason = err.Error()
			outcomes = append(outcomes, outcome)
			p.metrics.RecordSubmission(string(outcome.Result))
			if outcome.Result == GroupDeferred {
				break
			}
			continue
		}

		nonce := sequencer.Next()
		p.metrics.RecordNonce()
		hash, err := p.minter.SubmitMint(ctx, chain.MintRequest{
			Contract:   group.Contract,
			Recipients: group.Recipients,
			ItemIDs:    group.TokenIDs,
			Nonce:      nonce,
			GasPrice:   quote.Price,
			GasLimit:   estimate,
		})
		if err != nil {
			if errors.Is(err, chain.ErrItemExhausted) {
				outcome.Result = GroupExhausted
			} else {
				outcome.Result = GroupFailed
			}
			outcome.Reason = err.Error()
			logger.Warn("mint submission failed",
				"contract", outcome.Contract, "nonce", nonce, "error", err)
		} else {
			outcome.Result = GroupSuccess
			outcome.TxHash = hash.Hex()
			logger.Info("mint submitted",
				"contract", outcome.Contract, "nonce", nonce, "tx", outcome.TxHash)
		}
		outcomes = append(outcomes, outcome)
		p.metrics.RecordSubmission(string(outcome.Result))
	}
	return outcomes, nil
}

// classify folds group outcomes into the claim's next status. A claim whose
// attempted groups all landed stays in progress until reconciliation confirms
// the transactions; it is never marked complete at submission time.
// partial_failure is reserved for the exhaustion mix: some groups minted, the
// rest reverted because supply ran out — retrying those cannot succeed. A
// generic submission failure marks the claim failed even when sibling groups
// landed. Deferred groups were never attempted, so a claim with nothing but
// deferrals goes back to pending untouched.
func (p *Processor) classify(outcomes []GroupOutcome) models.ClaimStatus {
	t := tallyOutcomes(outcomes)
	switch {
	case t.success > 0 && t.failed == 0 && t.exhausted == 0:
		return models.ClaimInProgress
	case t.success > 0 && t.failed == 0:
		return models.ClaimPartialFailure
	case t.failed > 0 || t.exhausted > 0:
		return models.ClaimFailed
	default:
		return models.ClaimPending
	}
}

// bookkeep settles the credit ledger for the groups that actually reached
// the chain: the giveaway pays one credit per successful group, and every
// delivered transaction hash is unioned into the claim's ledger transaction
// and the user's history.
func (p *Processor) bookkeep(ctx context.Context, logger *slog.Logger, claim models.Claim, groups []MintGroup, outcomes []GroupOutcome) error {
	var hashes []string
	var successItems []uuid.UUID
	successes := 0
	for i, outcome := range outcomes {
		if outcome.Result != GroupSuccess {
			continue
		}
		successes++
		hashes = append(hashes, outcome.TxHash)
		successItems = append(successItems, groups[i].ItemRecordIDs...)
	}
	if successes == 0 {
		return nil
	}

	if err := p.store.SettleClaimCredits(ctx, claim.GiveawayID, successItems, successes); err != nil {
		if errors.Is(err, storage.ErrInsufficientCredit) {
			// Mints already landed; the credit pool drained underneath us.
			// Flag it loudly, the ledger needs a manual top-up.
			p.notify(ctx, "credit ledger underflow",
				fmt.Sprintf("giveaway %s settled %d mints with insufficient credits", claim.GiveawayID, successes))
		}
		return err
	}
	p.metrics.RecordCreditsSpent(successes)

	if err := p.store.AppendExternalTxs(ctx, claim.LedgerTransactionID, hashes); err != nil {
		return err
	}
	// A retried claim reuses its ledger transaction; reopen it so the
	// reconciler picks up the fresh hashes.
	if _, err := p.store.TransitionLedgerTransaction(ctx, claim.LedgerTransactionID, models.LedgerTxFailed, models.LedgerTxPending); err != nil {
		return err
	}
	if err := p.store.AppendUserGiveawayTxs(ctx, claim.UserID, claim.GiveawayID, hashes); err != nil {
		return err
	}
	logger.Info("credits settled", "groups", successes, "txs", len(hashes))
	return nil
}

// eventEnd loads the end timestamp of the giveaway's event window. A missing
// event record means no window applies.
func (p *Processor) eventEnd(ctx context.Context, eventID uuid.UUID) *time.Time {
	event, err := p.store.EventByID(ctx, eventID)
	if err != nil {
		return nil
	}
	return event.EndsAt
}

func eventEnded(now time.Time, end *time.Time) (bool, time.Time) {
	if end == nil {
		return false, time.Time{}
	}
	if now.After(*end) {
		return true, *end
	}
	return false, time.Time{}
}

// notify forwards an operator alert when a hook is installed.
func (p *Processor) notify(ctx context.Context, subject, body string) {
	if p.alert == nil {
		return
	}
	p.alert(ctx, subject, body)
}

// Pause halts new batch runs.
func (p *Processor) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.metrics.SetPause(true)
}

// Resume re-enables batch runs.
func (p *Processor) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.metrics.SetPause(false)
}

// Status summarises processor state for administrative endpoints.
type Status struct {
	Paused    bool        `json:"paused"`
	Network   string      `json:"network"`
	LastRunAt time.Time   `json:"last_run_at"`
	LastRun   BatchResult `json:"last_run"`
}

// Status reports the current processor snapshot.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Paused:    p.paused,
		Network:   p.network,
		LastRunAt: p.lastAt,
		LastRun:   p.last,
	}
}
