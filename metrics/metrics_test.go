package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 8)
	c.Collect(ch)
	close(ch)
	var total float64
	for m := range ch {
		var d dto.Metric
		if err := m.Write(&d); err != nil {
			t.Fatalf("write metric: %v", err)
		}
		if d.Counter != nil {
			total += d.Counter.GetValue()
		}
	}
	return total
}

func TestWalletOpResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.WalletOpResult("deposit", true)
	m.WalletOpResult("deposit", false)

	if got := counterValue(t, m.walletOps); got != 2 {
		t.Fatalf("walletOps total = %v, want 2", got)
	}
}

func TestIdempotencyCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IdempotencyReplay()
	m.IdempotencyReplay()
	m.IdempotencyMismatch()

	if got := counterValue(t, m.idempotency); got != 3 {
		t.Fatalf("idempotency total = %v, want 3", got)
	}
}

func TestDisabledMetricsNeverPanics(t *testing.T) {
	m := Disabled()
	m.WalletOpResult("deposit", true)
	m.IdempotencyReplay()
	m.IdempotencyMismatch()
	m.SlowQuery("ledger.recent", 500)
	m.SetBusQueueDepth(3)
	m.SetBusInflight(1)
	m.SchedulerSkip("backup", "running")
	m.SchedulerRun("backup", true)
	m.DegradedTransition()
}
