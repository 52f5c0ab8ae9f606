// Package metrics wires the counters and gauges spec §4.K/§6 require:
// wallet success/failure totals per op, idempotency replays and
// mismatches, slow-query warnings, and event-bus queue depth.
//
// Grounded on the teacher's graph/metrics.go PrometheusMetrics: one struct
// holding promauto-registered collectors behind a Registerer the caller
// supplies (so tests can use a private registry instead of the global
// default), with an `enabled` escape hatch so metrics can be compiled in
// but turned off cheaply.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements mincore.MetricsSink plus a few collector-specific
// accessors the event bus and scheduler use directly.
type Metrics struct {
	enabled bool

	walletOps       *prometheus.CounterVec // labels: op, result (ok|fail)
	idempotency     *prometheus.CounterVec // labels: outcome (replay|mismatch)
	slowQueries     *prometheus.CounterVec // labels: op
	queryLatencyMs  *prometheus.HistogramVec
	busQueueDepth   prometheus.Gauge
	busInflight     prometheus.Gauge
	schedulerSkips  *prometheus.CounterVec // labels: job, reason (running|lock_unavailable)
	schedulerRuns   *prometheus.CounterVec // labels: job, result (ok|fail)
	degradedTotal   prometheus.Counter
}

// New registers all collectors with registry. A nil registry uses
// prometheus.DefaultRegisterer, matching the teacher's nil-registry
// fallback.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		enabled: true,
		walletOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mincore",
			Name:      "wallet_ops_total",
			Help:      "Wallet operations by op (deposit/withdraw/transfer) and result",
		}, []string{"op", "result"}),
		idempotency: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mincore",
			Name:      "idempotency_outcomes_total",
			Help:      "Idempotency registry outcomes by kind (replay/mismatch)",
		}, []string{"outcome"}),
		slowQueries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mincore",
			Name:      "slow_queries_total",
			Help:      "Queries that exceeded the configured slow-query threshold, by op",
		}, []string{"op"}),
		queryLatencyMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mincore",
			Name:      "query_latency_ms",
			Help:      "Database call duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"op"}),
		busQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mincore",
			Name:      "eventbus_queue_depth",
			Help:      "Total pending events across all per-player queues",
		}),
		busInflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mincore",
			Name:      "eventbus_inflight_workers",
			Help:      "Number of worker goroutines currently draining a per-player queue",
		}),
		schedulerSkips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mincore",
			Name:      "scheduler_skips_total",
			Help:      "Scheduled fires skipped, by job and reason",
		}, []string{"job", "reason"}),
		schedulerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mincore",
			Name:      "scheduler_runs_total",
			Help:      "Completed job executions, by job and result",
		}, []string{"job", "result"}),
		degradedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mincore",
			Name:      "pool_degraded_transitions_total",
			Help:      "Number of times the connection pool transitioned into Degraded mode",
		}),
	}
}

// WalletOpResult implements mincore.MetricsSink.
func (m *Metrics) WalletOpResult(op string, ok bool) {
	if !m.enabled {
		return
	}
	result := "ok"
	if !ok {
		result = "fail"
	}
	m.walletOps.WithLabelValues(op, result).Inc()
}

// IdempotencyReplay implements mincore.MetricsSink.
func (m *Metrics) IdempotencyReplay() {
	if m.enabled {
		m.idempotency.WithLabelValues("replay").Inc()
	}
}

// IdempotencyMismatch implements mincore.MetricsSink.
func (m *Metrics) IdempotencyMismatch() {
	if m.enabled {
		m.idempotency.WithLabelValues("mismatch").Inc()
	}
}

// SlowQuery implements mincore.MetricsSink.
func (m *Metrics) SlowQuery(op string, durationMs int64) {
	if !m.enabled {
		return
	}
	m.slowQueries.WithLabelValues(op).Inc()
}

// ObserveQuery records the latency of every database call, independent of
// whether it crossed the slow-query threshold.
func (m *Metrics) ObserveQuery(op string, d time.Duration) {
	if m.enabled {
		m.queryLatencyMs.WithLabelValues(op).Observe(float64(d.Milliseconds()))
	}
}

// SetBusQueueDepth reports the event bus's total pending-event count.
func (m *Metrics) SetBusQueueDepth(depth int) {
	if m.enabled {
		m.busQueueDepth.Set(float64(depth))
	}
}

// SetBusInflight reports the event bus's currently-active worker count.
func (m *Metrics) SetBusInflight(n int) {
	if m.enabled {
		m.busInflight.Set(float64(n))
	}
}

// SchedulerSkip records a dropped or skipped fire (spec §4.H: already
// running/queued, or the advisory lock was unavailable).
func (m *Metrics) SchedulerSkip(job, reason string) {
	if m.enabled {
		m.schedulerSkips.WithLabelValues(job, reason).Inc()
	}
}

// SchedulerRun records a completed job execution.
func (m *Metrics) SchedulerRun(job string, ok bool) {
	if !m.enabled {
		return
	}
	result := "ok"
	if !ok {
		result = "fail"
	}
	m.schedulerRuns.WithLabelValues(job, result).Inc()
}

// DegradedTransition records the pool flipping Healthy -> Degraded.
func (m *Metrics) DegradedTransition() {
	if m.enabled {
		m.degradedTotal.Inc()
	}
}

// Disabled returns a Metrics that never touches a registry, for tests and
// for hosts that opt out of metrics entirely.
func Disabled() *Metrics {
	return &Metrics{enabled: false}
}
