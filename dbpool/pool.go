// Package dbpool implements the connection pool and degraded-mode health
// supervisor (spec §4.A). Every other component in this core reaches the
// database through a Pool rather than opening its own *sql.DB. Work run
// through WithTransaction gets the Healthy/Degraded gate and the
// slow-query/observability hooks; calls made directly on DB() get neither.
//
// Grounded on the teacher's graph/store/mysql.go: NewMySQLStore's
// sql.Open + SetMaxOpenConns/SetMaxIdleConns/SetConnMaxLifetime/
// SetConnMaxIdleTime + PingContext sequence, and its WithTransaction
// helper (run fn inside a *sql.Tx, rollback on error, commit otherwise).
// This package generalizes that into a pool that (1) forces the session
// time zone to UTC on every connection (spec §4.A), (2) runs a background
// probe that can flip Healthy/Degraded, and (3) classifies driver errors
// through mincore.ClassifySQLError so WithRetry only retries the
// deadlock class.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mincore-dev/mincore"
	"github.com/mincore-dev/mincore/config"
	"github.com/mincore-dev/mincore/logging"
	"github.com/mincore-dev/mincore/metrics"
	"github.com/mincore-dev/mincore/tracing"
)

// State is the pool's health supervisor state machine (spec §4.A).
type State int32

const (
	Healthy State = iota
	Degraded
)

func (s State) String() string {
	if s == Degraded {
		return "Degraded"
	}
	return "Healthy"
}

// Pool wraps *sql.DB with the Healthy/Degraded gate, UTC session pinning,
// and a background probe.
type Pool struct {
	db      *sql.DB
	log     *logging.Logger
	metrics *metrics.Metrics

	reconnectEvery time.Duration
	slowQueryMs    int64

	state atomic.Int32 // State

	mu            sync.Mutex
	lastRefusalAt map[string]time.Time // rate-limits Degraded refusal logging per op

	probeCancel context.CancelFunc
	probeDone   chan struct{}
}

// Open builds a DSN from cfg.DB, opens a pool sized and timed out per
// cfg.DB.Pool, pins sessions to UTC, verifies connectivity with up to
// cfg.DB.Pool.StartupAttempts pings in total, and starts the background
// probe.
func Open(cfg config.DB, runtimeCfg config.Runtime, log *logging.Logger, m *metrics.Metrics) (*Pool, error) {
	if log == nil {
		log = logging.Nop()
	}
	if m == nil {
		m = metrics.Disabled()
	}

	mc := mysqldriver.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Timeout = time.Duration(cfg.Pool.ConnectionTimeoutMs) * time.Millisecond
	if cfg.Session.ForceUTC {
		// Pins the server-side session time zone, not just client-side
		// parsing, so SQL functions like NOW() agree with Go's time.UTC.
		mc.Params = map[string]string{"time_zone": "'+00:00'"}
	}
	if cfg.TLS.Enabled {
		mc.TLSConfig = "preferred"
	}

	dsn := mc.FormatDSN()
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, mincore.NewError(mincore.ErrConnectionLost, "pool.open", "failed to open connection", err)
	}

	db.SetMaxOpenConns(cfg.Pool.MaxPoolSize)
	db.SetMaxIdleConns(cfg.Pool.MinimumIdle)
	db.SetConnMaxLifetime(time.Duration(cfg.Pool.MaxLifetimeMs) * time.Millisecond)
	db.SetConnMaxIdleTime(time.Duration(cfg.Pool.IdleTimeoutMs) * time.Millisecond)

	attempts := cfg.Pool.StartupAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var pingErr error
	for i := 0; i < attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Pool.ConnectionTimeoutMs)*time.Millisecond)
		pingErr = db.PingContext(ctx)
		cancel()
		if pingErr == nil {
			break
		}
		time.Sleep(time.Duration(i+1) * 200 * time.Millisecond)
	}
	if pingErr != nil {
		_ = db.Close()
		return nil, mincore.NewError(mincore.ErrConnectionLost, "pool.open", "could not reach database after startup attempts", pingErr)
	}

	reconnectEvery := time.Duration(runtimeCfg.ReconnectEveryS) * time.Second
	if reconnectEvery <= 0 {
		reconnectEvery = 30 * time.Second
	}

	p := &Pool{
		db:             db,
		log:            log,
		metrics:        m,
		reconnectEvery: reconnectEvery,
		slowQueryMs:    0,
		lastRefusalAt:  make(map[string]time.Time),
	}
	p.state.Store(int32(Healthy))
	p.startProbe()
	return p, nil
}

// ForTesting wraps an already-open *sql.DB in a Pool without the DSN
// construction, ping-retry, or background probe that Open performs. Used by
// integration tests (gated on MINCORE_TEST_DSN) that already hold a *sql.DB
// and just need a Pool to exercise WithTransaction/WithRetry against.
func ForTesting(db *sql.DB) *Pool {
	p := &Pool{
		db:            db,
		log:           logging.Nop(),
		metrics:       metrics.Disabled(),
		lastRefusalAt: make(map[string]time.Time),
	}
	p.state.Store(int32(Healthy))
	return p
}

// SetSlowQueryThreshold configures the §4.A/§6 slow-query warning boundary.
func (p *Pool) SetSlowQueryThreshold(ms int) {
	atomic.StoreInt64(&p.slowQueryMs, int64(ms))
}

// DB exposes the underlying *sql.DB for components that need driver-level
// access (schema manager DDL, snapshot export/import). Callers must still
// check Degraded() before issuing writes.
func (p *Pool) DB() *sql.DB { return p.db }

// Degraded reports whether the pool currently refuses writes.
func (p *Pool) Degraded() bool {
	return State(p.state.Load()) == Degraded
}

// Ping implements mincore.Pinger.
func (p *Pool) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.db.PingContext(ctx)
}

// Close stops the background probe and closes the underlying pool.
func (p *Pool) Close() error {
	if p.probeCancel != nil {
		p.probeCancel()
		<-p.probeDone
	}
	return p.db.Close()
}

// startProbe launches the background health probe (spec §4.A): a read
// (`SELECT 1`) and a harmless write (self-upsert on a dedicated probe row
// in `core_requests`) every reconnectEvery. Clears Degraded on success.
func (p *Pool) startProbe() {
	ctx, cancel := context.WithCancel(context.Background())
	p.probeCancel = cancel
	p.probeDone = make(chan struct{})

	go func() {
		defer close(p.probeDone)
		ticker := time.NewTicker(p.reconnectEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.runProbe(ctx)
			}
		}
	}()
}

func (p *Pool) runProbe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := p.db.ExecContext(probeCtx, "SELECT 1"); err != nil {
		p.transition(Degraded, "pool.probe.read", err)
		return
	}
	_, err := p.db.ExecContext(probeCtx, `
		INSERT INTO core_requests (scope, key_hash, payload_hash, ok, created_at, expires_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON DUPLICATE KEY UPDATE created_at = VALUES(created_at), expires_at = VALUES(expires_at)
	`, "__health__", "__health__", "__health__", mincore.Now(), mincore.Now()+60)
	if err != nil {
		p.transition(Degraded, "pool.probe.write", err)
		return
	}
	p.transition(Healthy, "pool.probe", nil)
}

func (p *Pool) transition(to State, op string, cause error) {
	from := State(p.state.Load())
	if from == to {
		return
	}
	p.state.Store(int32(to))
	if to == Degraded {
		p.metrics.DegradedTransition()
		p.log.ErrorCoded(op, string(mincore.ErrConnectionLost), errString(cause), "", "")
	} else {
		p.log.Info(op, "database connectivity restored, leaving Degraded mode")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// refuseWrite implements the §4.A "refusal logging rate-limited to once
// per 5s per operation" rule while in Degraded mode.
func (p *Pool) refuseWrite(op string) error {
	p.mu.Lock()
	last, seen := p.lastRefusalAt[op]
	now := time.Now()
	shouldLog := !seen || now.Sub(last) >= 5*time.Second
	if shouldLog {
		p.lastRefusalAt[op] = now
	}
	p.mu.Unlock()

	if shouldLog {
		p.log.ErrorCoded(op, string(mincore.ErrDegradedMode), "writes refused: pool is in Degraded mode", "", "")
	}
	return mincore.NewError(mincore.ErrDegradedMode, op, "writes refused: pool is in Degraded mode", nil)
}

// WithTransaction runs fn inside a transaction, rolling back on error and
// committing otherwise — grounded directly on the teacher's
// MySQLStore.WithTransaction. Writes are refused immediately (without
// touching the database) while Degraded, per spec §4.A.
func (p *Pool) WithTransaction(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, span := tracing.Start(ctx, op, attribute.String("db.kind", "transaction"))
	var err error
	defer func() { tracing.End(span, err) }()

	if p.Degraded() {
		err = p.refuseWrite(op)
		return err
	}

	start := time.Now()
	tx, txErr := p.db.BeginTx(ctx, nil)
	if txErr != nil {
		classified := mincore.ClassifySQLError(op, txErr)
		if classified.Code == mincore.ErrConnectionLost {
			p.transition(Degraded, op, txErr)
		}
		err = classified
		return err
	}

	if fnErr := fn(ctx, tx); fnErr != nil {
		_ = tx.Rollback()
		err = fnErr
		return err
	}

	if commitErr := tx.Commit(); commitErr != nil {
		classified := mincore.ClassifySQLError(op, commitErr)
		if classified.Code == mincore.ErrConnectionLost {
			p.transition(Degraded, op, commitErr)
		}
		err = classified
		return err
	}

	p.observe(op, time.Since(start))
	return nil
}

// WithRetry runs op up to three times in total with linear backoff,
// retrying only errors ClassifySQLError puts in the deadlock class (spec
// §7). Any other error is returned immediately.
func (p *Pool) WithRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.Start(ctx, op, attribute.String("db.kind", "retry"))
	var lastErr error
	defer func() { tracing.End(span, lastErr) }()

	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		classified := mincore.ClassifySQLError(op, err)
		if classified.Code != mincore.ErrDeadlockExhausted {
			return err
		}
		lastErr = classified
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}
	}
	return lastErr
}

// observe records query latency and, when it exceeds the configured
// threshold, emits the §4.A/§6 DB_SLOW_QUERY warning.
func (p *Pool) observe(op string, d time.Duration) {
	p.metrics.ObserveQuery(op, d)
	threshold := atomic.LoadInt64(&p.slowQueryMs)
	if threshold > 0 && d.Milliseconds() > threshold {
		p.metrics.SlowQuery(op, d.Milliseconds())
		p.log.SlowQuery(op, d.Milliseconds())
	}
}
