package dbpool

import (
	"testing"
	"time"

	"github.com/mincore-dev/mincore/logging"
	"github.com/mincore-dev/mincore/metrics"
)

func newTestPool() *Pool {
	p := &Pool{
		log:           logging.Nop(),
		metrics:       metrics.Disabled(),
		lastRefusalAt: make(map[string]time.Time),
	}
	p.state.Store(int32(Healthy))
	return p
}

func TestDegradedRefusesWrites(t *testing.T) {
	p := newTestPool()
	if p.Degraded() {
		t.Fatalf("pool should start Healthy")
	}
	p.transition(Degraded, "test", nil)
	if !p.Degraded() {
		t.Fatalf("pool should be Degraded after transition")
	}

	err := p.refuseWrite("wallet.deposit")
	if err == nil {
		t.Fatalf("expected refusal error")
	}
}

func TestTransitionIsANoOpWhenStateUnchanged(t *testing.T) {
	p := newTestPool()
	p.transition(Healthy, "test", nil) // already Healthy
	if p.Degraded() {
		t.Fatalf("pool should remain Healthy")
	}
}

func TestRefusalRateLimiting(t *testing.T) {
	p := newTestPool()
	p.transition(Degraded, "test", nil)

	// First call logs (we can't observe the logger directly here without a
	// capturing writer, but we can assert lastRefusalAt was stamped).
	_ = p.refuseWrite("wallet.withdraw")
	first, ok := p.lastRefusalAt["wallet.withdraw"]
	if !ok {
		t.Fatalf("expected lastRefusalAt to be recorded")
	}

	_ = p.refuseWrite("wallet.withdraw")
	second := p.lastRefusalAt["wallet.withdraw"]
	if !second.Equal(first) {
		t.Fatalf("second refusal within 5s should not update the rate-limit timestamp")
	}
}

func TestStateString(t *testing.T) {
	if Healthy.String() != "Healthy" {
		t.Fatalf("Healthy.String() = %q", Healthy.String())
	}
	if Degraded.String() != "Degraded" {
		t.Fatalf("Degraded.String() = %q", Degraded.String())
	}
}
