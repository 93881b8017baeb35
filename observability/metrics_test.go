package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func histogram(t *testing.T, name string, labels map[string]string) *dto.Histogram {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if matches(metric.GetLabel(), labels) {
				return metric.GetHistogram()
			}
		}
	}
	return nil
}

func matches(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, pair := range pairs {
		if want[pair.GetName()] != pair.GetValue() {
			return false
		}
	}
	return true
}

func TestLendingMetricsRecordActions(t *testing.T) {
	m := Lending()
	if Lending() != m {
		t.Fatalf("expected singleton registry")
	}
	committed := m.actions.WithLabelValues("deposit", "committed")
	before := testutil.ToFloat64(committed)

	m.ObserveAction("deposit", "committed", 20*time.Millisecond)
	m.ObserveAction(" ", "rejected", time.Millisecond)
	m.RecordSettlementFailure("withdraw", "settle")
	m.RecordIntent("release")

	if got := testutil.ToFloat64(committed) - before; got != 1 {
		t.Fatalf("committed deposits: got %v want 1", got)
	}
	if got := testutil.ToFloat64(m.actions.WithLabelValues("unknown", "rejected")); got < 1 {
		t.Fatalf("blank action not recorded as unknown")
	}
	if got := testutil.ToFloat64(m.settlement.WithLabelValues("withdraw", "settle")); got < 1 {
		t.Fatalf("settlement failure not counted")
	}
	if got := testutil.ToFloat64(m.intents.WithLabelValues("release")); got < 1 {
		t.Fatalf("intent not counted")
	}
	latency := histogram(t, "lendbook_ledger_action_duration_seconds", map[string]string{"action": "deposit"})
	if latency == nil || latency.GetSampleCount() == 0 {
		t.Fatalf("deposit latency not observed")
	}
}

func TestLiquidatorMetricsRecordScans(t *testing.T) {
	m := Liquidator()
	failed := m.scans.WithLabelValues("error")
	before := testutil.ToFloat64(failed)
	evaluated := testutil.ToFloat64(m.evaluated)

	m.ObserveScan(time.Second, errors.New("ledger unreachable"))
	m.RecordEvaluated(3)
	m.RecordEvaluated(0)
	m.RecordSubmission("liquidated")

	if got := testutil.ToFloat64(failed) - before; got != 1 {
		t.Fatalf("failed scans: got %v want 1", got)
	}
	if got := testutil.ToFloat64(m.evaluated) - evaluated; got != 3 {
		t.Fatalf("evaluated: got %v want 3", got)
	}
	if got := testutil.ToFloat64(m.submissions.WithLabelValues("liquidated")); got < 1 {
		t.Fatalf("submission not counted")
	}
	scans := histogram(t, "lendbook_liquidator_scan_duration_seconds", map[string]string{})
	if scans == nil || scans.GetSampleCount() == 0 {
		t.Fatalf("scan duration not observed")
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var lendingMetrics *LendingMetrics
	lendingMetrics.ObserveAction("deposit", "committed", time.Millisecond)
	lendingMetrics.RecordSettlementFailure("deposit", "commit")
	lendingMetrics.RecordIntent("pull")

	var liquidatorMetrics *LiquidatorMetrics
	liquidatorMetrics.ObserveScan(time.Millisecond, nil)
	liquidatorMetrics.RecordEvaluated(1)
	liquidatorMetrics.RecordSubmission("failed")
}
