package mincore

// Services is the explicit, passed-by-value wiring point for every
// component this core exposes. The reference implementation this spec was
// distilled from reaches every component through a process-wide static
// handle; that pattern requires re-architecture (spec §9 "global mutable
// service registry" redesign flag). Here, a host process constructs one
// Services and hands it (or the specific field a component needs) to
// callers explicitly; cmd/mincorectl does not build one and wires an
// admin.Surface from concrete components instead. Only cmd/mincorectl keeps a package-level singleton, and only
// because a CLI entrypoint has no caller to receive one from.
//
// Services intentionally holds interfaces, not concrete types: the
// interfaces below are declared in this package, so this file does not
// import every subpackage and create an import cycle.
type Services struct {
	Pool        Pinger
	Schema      SchemaManager
	Idempotency IdempotencyRegistry
	Wallet      WalletEngine
	Bus         EventBus
	Attributes  AttributeStore
	Players     PlayerDirectory
	Scheduler   JobScheduler
	Metrics     MetricsSink
}

// Pinger is the subset of the connection pool/health supervisor (spec §4.A)
// that callers outside dbpool need: a liveness probe and the current mode.
type Pinger interface {
	Ping() error
	Degraded() bool
}

// SchemaManager is the subset of the schema manager (spec §4.B) exposed to
// the admin surface.
type SchemaManager interface {
	CurrentVersion() (int, error)
	Apply() error
}

// IdempotencyRegistry is the subset of the idempotency registry (spec §4.C)
// used outside its own package.
type IdempotencyRegistry interface {
	Sweep(batchLimit int, retentionDays int) (deleted int64, err error)
}

// WalletEngine is the subset of the wallet engine (spec §4.D) exposed to
// callers through Services.
type WalletEngine interface {
	Deposit(ownerCtx OpContext, to [16]byte, amount int64, reason string, key string) (Outcome, error)
	Withdraw(ownerCtx OpContext, from [16]byte, amount int64, reason string, key string) (Outcome, error)
	Transfer(ownerCtx OpContext, from, to [16]byte, amount int64, reason string, key string) (Outcome, error)
}

// OpContext carries the calling module identity through to ledger rows.
// It is deliberately tiny: the core never inspects gameplay semantics.
type OpContext struct {
	ModuleID   string
	ServerNode string
	ExtraJSON  string
}

// Outcome is the wallet engine's result sum type (spec §9 redesign flag),
// replacing exception-based control flow around idempotency/commit
// decisions. Exactly one of these holds after a call returns (err, nil).
type Outcome struct {
	Replayed    bool
	NewBalances map[[16]byte]int64
}

// EventBus is the subset of the event bus (spec §4.E) used outside its own
// package.
type EventBus interface {
	Publish(playerUUID [16]byte, ev BalanceChanged)
	Close(drainTimeoutMs int) error
}

// AttributeStore is the subset of the attributes store (spec §4.F) exposed
// to callers through Services.
type AttributeStore interface {
	Get(owner [16]byte, key string) (string, bool, error)
	Set(owner [16]byte, key string, valueJSON string) error
}

// PlayerDirectory is the subset of the player directory (spec §4.G)
// exposed to callers through Services.
type PlayerDirectory interface {
	ByUUID(id [16]byte) (*Player, error)
	ByName(name string) (*Player, error)
	EnsureSeen(id [16]byte, name string, at uint64) error
}

// JobScheduler is the subset of the scheduler (spec §4.H) used by the admin
// surface.
type JobScheduler interface {
	List() []JobStatus
	Run(name string) (RunResult, error)
}

// JobStatus is a snapshot of one registered job for `jobs.list` (spec §6).
type JobStatus struct {
	ID          string
	Description string
	Cron        string
	Enabled     bool
	Running     bool
	LastRunAt   uint64
	LastError   string
}

// RunResult is the manual-trigger result (spec §4.H).
type RunResult int

const (
	RunQueued RunResult = iota
	RunInProgress
	RunUnknown
	RunDisabled
)

func (r RunResult) String() string {
	switch r {
	case RunQueued:
		return "Queued"
	case RunInProgress:
		return "InProgress"
	case RunDisabled:
		return "Disabled"
	default:
		return "Unknown"
	}
}

// MetricsSink is the subset of the metrics component (spec §4.K) other
// packages depend on, kept minimal to avoid a dependency on the concrete
// Prometheus registry type outside the metrics package itself.
type MetricsSink interface {
	WalletOpResult(op string, ok bool)
	IdempotencyReplay()
	IdempotencyMismatch()
	SlowQuery(op string, durationMs int64)
}
