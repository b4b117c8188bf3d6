package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics

	reconcilerMetricsOnce sync.Once
	reconcilerRegistry    *ReconcilerMetrics
)

// SettlementMetrics wraps collectors tracking the claim settlement pipeline.
type SettlementMetrics struct {
	batches      *prometheus.CounterVec
	submissions  *prometheus.CounterVec
	noncesIssued prometheus.Counter
	creditsSpent prometheus.Counter
	claimsParked prometheus.Counter
	gasPriceGwei prometheus.Gauge
	pauseEngaged prometheus.Gauge
	batchLatency prometheus.Histogram
}

// Settlement exposes the metrics registry for the settlement processor.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			batches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "giveaway",
				Subsystem: "settlement",
				Name:      "batches_total",
				Help:      "Count of settlement batch runs segmented by outcome.",
			}, []string{"outcome"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "giveaway",
				Subsystem: "settlement",
				Name:      "submissions_total",
				Help:      "Count of contract-group mint submissions segmented by outcome.",
			}, []string{"outcome"}),
			noncesIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "giveaway",
				Subsystem: "settlement",
				Name:      "nonces_issued_total",
				Help:      "Count of signer nonces consumed, including failed submissions.",
			}),
			creditsSpent: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "giveaway",
				Subsystem: "settlement",
				Name:      "credits_spent_total",
				Help:      "Count of giveaway credits decremented after accepted submissions.",
			}),
			claimsParked: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "giveaway",
				Subsystem: "settlement",
				Name:      "claims_parked_total",
				Help:      "Count of claims parked with insufficient credit.",
			}),
			gasPriceGwei: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "giveaway",
				Subsystem: "settlement",
				Name:      "observed_gas_price_gwei",
				Help:      "Last gas price observed by the admission controller, in gwei.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "giveaway",
				Subsystem: "settlement",
				Name:      "pause_engaged",
				Help:      "Indicates whether the settlement processor pause guard is active (1) or not (0).",
			}),
			batchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "giveaway",
				Subsystem: "settlement",
				Name:      "batch_duration_seconds",
				Help:      "Latency distribution for settlement batch runs.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.batches,
			settlementRegistry.submissions,
			settlementRegistry.noncesIssued,
			settlementRegistry.creditsSpent,
			settlementRegistry.claimsParked,
			settlementRegistry.gasPriceGwei,
			settlementRegistry.pauseEngaged,
			settlementRegistry.batchLatency,
		)
	})
	return settlementRegistry
}

// RecordBatch increments the batch counter for the supplied outcome.
func (m *SettlementMetrics) RecordBatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(labelOutcome(outcome)).Inc()
	m.batchLatency.Observe(d.Seconds())
}

// RecordSubmission increments the submission counter for the supplied outcome.
func (m *SettlementMetrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(labelOutcome(outcome)).Inc()
}

// RecordNonce counts a consumed signer nonce.
func (m *SettlementMetrics) RecordNonce() {
	if m == nil {
		return
	}
	m.noncesIssued.Inc()
}

// RecordCreditsSpent adds the number of credits decremented for a claim.
func (m *SettlementMetrics) RecordCreditsSpent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.creditsSpent.Add(float64(n))
}

// RecordParkedClaim counts a claim parked for insufficient credit.
func (m *SettlementMetrics) RecordParkedClaim() {
	if m == nil {
		return
	}
	m.claimsParked.Inc()
}

// SetObservedGasPrice publishes the latest admission-controller observation.
func (m *SettlementMetrics) SetObservedGasPrice(gwei float64) {
	if m == nil {
		return
	}
	m.gasPriceGwei.Set(gwei)
}

// SetPause toggles the pause_engaged gauge.
func (m *SettlementMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// ReconcilerMetrics bundles collectors for ledger-transaction reconciliation.
type ReconcilerMetrics struct {
	runs         prometheus.Counter
	finalised    *prometheus.CounterVec
	timeouts     prometheus.Counter
	runLatency   prometheus.Histogram
	pendingDepth prometheus.Gauge
}

// Reconciler exposes the metrics registry for the transaction reconciler.
func Reconciler() *ReconcilerMetrics {
	reconcilerMetricsOnce.Do(func() {
		reconcilerRegistry = &ReconcilerMetrics{
			runs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "giveaway",
				Subsystem: "reconcile",
				Name:      "runs_total",
				Help:      "Count of reconciliation runs.",
			}),
			finalised: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "giveaway",
				Subsystem: "reconcile",
				Name:      "ledger_transactions_total",
				Help:      "Count of ledger transactions finalised segmented by status.",
			}, []string{"status"}),
			timeouts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "giveaway",
				Subsystem: "reconcile",
				Name:      "timeouts_total",
				Help:      "Count of external transactions failed by the unconfirmed timeout policy.",
			}),
			runLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "giveaway",
				Subsystem: "reconcile",
				Name:      "run_duration_seconds",
				Help:      "Latency distribution for reconciliation runs.",
				Buckets:   prometheus.DefBuckets,
			}),
			pendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "giveaway",
				Subsystem: "reconcile",
				Name:      "pending_depth",
				Help:      "Ledger transactions still pending after the latest run.",
			}),
		}
		prometheus.MustRegister(
			reconcilerRegistry.runs,
			reconcilerRegistry.finalised,
			reconcilerRegistry.timeouts,
			reconcilerRegistry.runLatency,
			reconcilerRegistry.pendingDepth,
		)
	})
	return reconcilerRegistry
}

// RecordRun observes a completed reconciliation run.
func (m *ReconcilerMetrics) RecordRun(d time.Duration, pending int) {
	if m == nil {
		return
	}
	m.runs.Inc()
	m.runLatency.Observe(d.Seconds())
	m.pendingDepth.Set(float64(pending))
}

// RecordFinalised counts a ledger transaction reaching a terminal status.
func (m *ReconcilerMetrics) RecordFinalised(status string) {
	if m == nil {
		return
	}
	m.finalised.WithLabelValues(labelOutcome(status)).Inc()
}

// RecordTimeout counts an external transaction failed by the timeout policy.
func (m *ReconcilerMetrics) RecordTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

func labelOutcome(outcome string) string {
	outcome = strings.TrimSpace(strings.ToLower(outcome))
	if outcome == "" {
		return "unspecified"
	}
	return outcome
}
