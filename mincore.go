// Package mincore is a server-side persistence and coordination core for a
// multi-user game server: a wallet ledger with exactly-once semantics, a
// post-commit event bus with per-player ordering, a cron-driven scheduler
// with single-node advisory locking, and a snapshot export/import facility.
//
// All state lives in a single MariaDB/MySQL-compatible schema. This package
// holds the shared domain types; each concern (pool, schema, idempotency,
// wallet, eventbus, attributes, players, scheduler, snapshot, metrics) lives
// in its own subpackage and is wired together explicitly through Services
// rather than through a global registry.
package mincore

import (
	"time"

	"github.com/google/uuid"
)

// Player mirrors the `players` table (spec §3). Balance is minor units and
// must never go negative; name_lower is computed from Name.
type Player struct {
	UUID      uuid.UUID
	Name      string
	NameLower string
	Balance   int64
	CreatedAt uint64 // UTC seconds
	UpdatedAt uint64 // UTC seconds
	SeenAt    *uint64
}

// LedgerEntry mirrors `core_ledger` (spec §3). Append-only; ID is assigned
// by the database and is strictly increasing.
type LedgerEntry struct {
	ID           int64
	TS           uint64
	ModuleID     string
	Op           string
	From         *uuid.UUID
	To           *uuid.UUID
	Amount       int64
	Reason       string
	OK           bool
	Code         string
	// Subject names the participant this row's Seq/OldUnits/NewUnits
	// describe. Deposit/Withdraw rows always have Subject == the sole
	// player; a Transfer writes two rows sharing From/To, one per Subject.
	Subject      *uuid.UUID
	Seq          uint64
	IdemScope    string
	IdemKeyHash  string
	OldUnits     *int64
	NewUnits     *int64
	ServerNode   string
	ExtraJSON    string
}

// Attribute mirrors `player_attributes` (spec §3). ValueJSON must parse as
// JSON and must not exceed MaxAttributeValueBytes.
type Attribute struct {
	OwnerUUID uuid.UUID
	Key       string
	ValueJSON string
	CreatedAt uint64
	UpdatedAt uint64
}

// MaxAttributeValueBytes is the §3 invariant ceiling for an attribute value.
const MaxAttributeValueBytes = 8 * 1024

// BalanceChanged is the event staged by the wallet engine and delivered by
// the event bus after commit (spec §4.D, §4.E). Version is fixed at 1.
type BalanceChanged struct {
	UUID     uuid.UUID
	Seq      uint64
	OldUnits int64
	NewUnits int64
	Reason   string
	Version  int
}

// Now returns the current UTC time truncated to seconds, matching the
// spec's "UTC seconds" timestamp convention (spec §3).
func Now() uint64 {
	return uint64(time.Now().UTC().Unix())
}

// NowTime returns the current instant in UTC, for components (the
// scheduler's cron evaluation) that need more than second-granularity
// integer timestamps.
func NowTime() time.Time {
	return time.Now().UTC()
}
