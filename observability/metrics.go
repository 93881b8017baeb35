package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics

	liquidatorMetricsOnce sync.Once
	liquidatorRegistry    *LiquidatorMetrics
)

// LendingMetrics tracks ledger actions executed by the dispatcher.
type LendingMetrics struct {
	actions    *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	settlement *prometheus.CounterVec
	intents    *prometheus.CounterVec
}

// Lending returns the singleton metrics registry for ledger actions.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendbook",
				Subsystem: "ledger",
				Name:      "actions_total",
				Help:      "Ledger actions segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendbook",
				Subsystem: "ledger",
				Name:      "action_duration_seconds",
				Help:      "Latency distribution for ledger actions including settlement.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"action"}),
			settlement: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendbook",
				Subsystem: "ledger",
				Name:      "settlement_failures_total",
				Help:      "Actions rolled back because settlement or commit failed.",
			}, []string{"action", "stage"}),
			intents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendbook",
				Subsystem: "ledger",
				Name:      "transfer_intents_total",
				Help:      "Transfer intents settled segmented by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			lendingRegistry.actions,
			lendingRegistry.latency,
			lendingRegistry.settlement,
			lendingRegistry.intents,
		)
	})
	return lendingRegistry
}

// ObserveAction records the outcome of one action. outcome should be a stable
// label such as "committed", "rejected" or "rolled_back".
func (m *LendingMetrics) ObserveAction(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	action = label(action)
	m.actions.WithLabelValues(action, label(outcome)).Inc()
	m.latency.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordSettlementFailure counts a rollback at stage ("settle" or "commit").
func (m *LendingMetrics) RecordSettlementFailure(action, stage string) {
	if m == nil {
		return
	}
	m.settlement.WithLabelValues(label(action), label(stage)).Inc()
}

// RecordIntent counts a settled transfer intent.
func (m *LendingMetrics) RecordIntent(kind string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(label(kind)).Inc()
}

// LiquidatorMetrics tracks the liquidation bot.
type LiquidatorMetrics struct {
	scans       *prometheus.CounterVec
	evaluated   prometheus.Counter
	submissions *prometheus.CounterVec
	scanLatency prometheus.Histogram
}

// Liquidator returns the singleton metrics registry for the liquidation bot.
func Liquidator() *LiquidatorMetrics {
	liquidatorMetricsOnce.Do(func() {
		liquidatorRegistry = &LiquidatorMetrics{
			scans: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendbook",
				Subsystem: "liquidator",
				Name:      "scans_total",
				Help:      "Completed scan cycles segmented by outcome.",
			}, []string{"outcome"}),
			evaluated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lendbook",
				Subsystem: "liquidator",
				Name:      "positions_evaluated_total",
				Help:      "Filled positions whose health was evaluated.",
			}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendbook",
				Subsystem: "liquidator",
				Name:      "submissions_total",
				Help:      "Liquidation submissions segmented by outcome.",
			}, []string{"outcome"}),
			scanLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "lendbook",
				Subsystem: "liquidator",
				Name:      "scan_duration_seconds",
				Help:      "Duration of a full scan cycle.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			liquidatorRegistry.scans,
			liquidatorRegistry.evaluated,
			liquidatorRegistry.submissions,
			liquidatorRegistry.scanLatency,
		)
	})
	return liquidatorRegistry
}

// ObserveScan records a finished scan cycle.
func (m *LiquidatorMetrics) ObserveScan(duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.scans.WithLabelValues(outcome).Inc()
	m.scanLatency.Observe(duration.Seconds())
}

// RecordEvaluated counts evaluated positions.
func (m *LiquidatorMetrics) RecordEvaluated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evaluated.Add(float64(n))
}

// RecordSubmission counts a liquidation attempt by outcome.
func (m *LiquidatorMetrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(label(outcome)).Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
