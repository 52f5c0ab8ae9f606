// Package wallet implements the wallet transaction engine (spec §4.D):
// idempotent deposit/withdraw/transfer with payload-hash replay detection,
// deadlock-safe participant locking, and post-commit event emission.
//
// Grounded on the teacher's graph/checkpoint.go canonical-payload /
// idempotency-key idiom (computeIdempotencyKey: hash a deterministic
// projection of the operation's semantic fields) and its
// WithTransaction-wrapped commit shape in graph/store/mysql.go. The
// ascending-UUID-byte-order locking rule (spec §4.D step 1, §9 testable
// property) has no teacher analogue; it is implemented directly from the
// spec using uuidutil.OrderAscending.
package wallet

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/mincore-dev/mincore"
	"github.com/mincore-dev/mincore/dbpool"
	"github.com/mincore-dev/mincore/eventbus"
	"github.com/mincore-dev/mincore/idempotency"
	"github.com/mincore-dev/mincore/logging"
	"github.com/mincore-dev/mincore/metrics"
	"github.com/mincore-dev/mincore/uuidutil"
)

// idemScope namespaces wallet idempotency keys away from other core
// consumers of the same registry.
const idemScope = "wallet"

// Engine implements the §4.D public operations.
type Engine struct {
	pool    *dbpool.Pool
	idem    *idempotency.Registry
	bus     *eventbus.Bus
	log     *logging.Logger
	metrics *metrics.Metrics

	autoKeySeq uint64 // synthesizes unreplayable keys; bumped with sync/atomic, never a plain increment
}

// New constructs a wallet Engine.
func New(pool *dbpool.Pool, idem *idempotency.Registry, bus *eventbus.Bus, log *logging.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	if m == nil {
		m = metrics.Disabled()
	}
	return &Engine{pool: pool, idem: idem, bus: bus, log: log, metrics: m}
}

// OpContext carries the calling module identity through to ledger rows
// (mirrors mincore.OpContext; kept here as an alias so callers outside
// this package don't need to import mincore directly for wallet calls).
type OpContext = mincore.OpContext

// Outcome is the wallet engine's result (mirrors mincore.Outcome).
type Outcome = mincore.Outcome

const (
	opDeposit  = "wallet.deposit"
	opWithdraw = "wallet.withdraw"
	opTransfer = "wallet.transfer"
)

// Deposit credits to's balance by amount. amount < 0 is INVALID_AMOUNT; a
// nil/unknown participant is UNKNOWN_PLAYER.
func (e *Engine) Deposit(octx OpContext, to [16]byte, amount int64, reason string, key string) (Outcome, error) {
	if amount < 0 {
		return Outcome{}, mincore.NewError(mincore.ErrInvalidAmount, opDeposit, "amount must be >= 0", nil)
	}
	payload := canonicalPayload(opDeposit, uuidutil.Zero, to, amount, reason)
	return e.run(octx, opDeposit, key, payload, func(ctx context.Context, tx *sql.Tx) (map[[16]byte]int64, []stagedEvent, *mincore.Error) {
		bal, ok, err := lockBalance(ctx, tx, to)
		if err != nil {
			return nil, nil, mincore.NewError(mincore.ErrConnectionLost, opDeposit, "failed to lock balance", err)
		}
		if !ok {
			return nil, nil, mincore.NewError(mincore.ErrUnknownPlayer, opDeposit, "unknown player", nil)
		}
		newBal := bal + amount
		if newBal < 0 {
			// amount >= 0 here, so this only triggers on int64 overflow
			// (spec §9: "treat overflow as INVALID_AMOUNT").
			return nil, nil, mincore.NewError(mincore.ErrInvalidAmount, opDeposit, "deposit would overflow balance", nil)
		}
		seq, err := updateBalanceAndSeq(ctx, tx, to, newBal)
		if err != nil {
			return nil, nil, mincore.NewError(mincore.ErrConnectionLost, opDeposit, "failed to persist balance", err)
		}
		events := []stagedEvent{{uuid: to, seq: seq, oldUnits: bal, newUnits: newBal, reason: reason}}
		return map[[16]byte]int64{to: newBal}, events, nil
	}, reason, &to, nil, amount)
}

// Withdraw debits from's balance by amount. Rejects when it would go
// negative (INSUFFICIENT_FUNDS).
func (e *Engine) Withdraw(octx OpContext, from [16]byte, amount int64, reason string, key string) (Outcome, error) {
	if amount < 0 {
		return Outcome{}, mincore.NewError(mincore.ErrInvalidAmount, opWithdraw, "amount must be >= 0", nil)
	}
	payload := canonicalPayload(opWithdraw, from, uuidutil.Zero, amount, reason)
	return e.run(octx, opWithdraw, key, payload, func(ctx context.Context, tx *sql.Tx) (map[[16]byte]int64, []stagedEvent, *mincore.Error) {
		bal, ok, err := lockBalance(ctx, tx, from)
		if err != nil {
			return nil, nil, mincore.NewError(mincore.ErrConnectionLost, opWithdraw, "failed to lock balance", err)
		}
		if !ok {
			return nil, nil, mincore.NewError(mincore.ErrUnknownPlayer, opWithdraw, "unknown player", nil)
		}
		newBal := bal - amount
		if newBal < 0 {
			return nil, nil, mincore.NewError(mincore.ErrInsufficientFunds, opWithdraw, "insufficient funds", nil)
		}
		seq, err := updateBalanceAndSeq(ctx, tx, from, newBal)
		if err != nil {
			return nil, nil, mincore.NewError(mincore.ErrConnectionLost, opWithdraw, "failed to persist balance", err)
		}
		events := []stagedEvent{{uuid: from, seq: seq, oldUnits: bal, newUnits: newBal, reason: reason}}
		return map[[16]byte]int64{from: newBal}, events, nil
	}, reason, &from, nil, amount)
}

// Transfer moves amount from `from` to `to`. Self-transfer is a no-op
// success (spec §4.D step 2). Lock order is ascending UUID bytes (spec
// §4.D step 1, §9 testable property) to eliminate the classic two-account
// deadlock.
func (e *Engine) Transfer(octx OpContext, from, to [16]byte, amount int64, reason string, key string) (Outcome, error) {
	if amount < 0 {
		return Outcome{}, mincore.NewError(mincore.ErrInvalidAmount, opTransfer, "amount must be >= 0", nil)
	}
	payload := canonicalPayload(opTransfer, from, to, amount, reason)
	return e.run(octx, opTransfer, key, payload, func(ctx context.Context, tx *sql.Tx) (map[[16]byte]int64, []stagedEvent, *mincore.Error) {
		if from == to {
			bal, ok, err := lockBalance(ctx, tx, from)
			if err != nil {
				return nil, nil, mincore.NewError(mincore.ErrConnectionLost, opTransfer, "failed to lock balance", err)
			}
			if !ok {
				return nil, nil, mincore.NewError(mincore.ErrUnknownPlayer, opTransfer, "unknown player", nil)
			}
			return map[[16]byte]int64{from: bal}, nil, nil
		}

		first, second, swapped := uuidutil.OrderAscending(from, to)
		firstBal, ok1, err := lockBalance(ctx, tx, first)
		if err != nil {
			return nil, nil, mincore.NewError(mincore.ErrConnectionLost, opTransfer, "failed to lock balance", err)
		}
		secondBal, ok2, err := lockBalance(ctx, tx, second)
		if err != nil {
			return nil, nil, mincore.NewError(mincore.ErrConnectionLost, opTransfer, "failed to lock balance", err)
		}
		if !ok1 || !ok2 {
			return nil, nil, mincore.NewError(mincore.ErrUnknownPlayer, opTransfer, "unknown player", nil)
		}

		// Re-associate first/second balances back to from/to semantics.
		var fromBal, toBal int64
		if swapped {
			fromBal, toBal = secondBal, firstBal
		} else {
			fromBal, toBal = firstBal, secondBal
		}

		newFromBal := fromBal - amount
		if newFromBal < 0 {
			return nil, nil, mincore.NewError(mincore.ErrInsufficientFunds, opTransfer, "insufficient funds", nil)
		}
		newToBal := toBal + amount
		if newToBal < 0 {
			return nil, nil, mincore.NewError(mincore.ErrInvalidAmount, opTransfer, "transfer would overflow recipient balance", nil)
		}

		fromSeq, err := updateBalanceAndSeq(ctx, tx, from, newFromBal)
		if err != nil {
			return nil, nil, mincore.NewError(mincore.ErrConnectionLost, opTransfer, "failed to persist sender balance", err)
		}
		toSeq, err := updateBalanceAndSeq(ctx, tx, to, newToBal)
		if err != nil {
			return nil, nil, mincore.NewError(mincore.ErrConnectionLost, opTransfer, "failed to persist recipient balance", err)
		}

		events := []stagedEvent{
			{uuid: from, seq: fromSeq, oldUnits: fromBal, newUnits: newFromBal, reason: reason},
			{uuid: to, seq: toSeq, oldUnits: toBal, newUnits: newToBal, reason: reason},
		}
		return map[[16]byte]int64{from: newFromBal, to: newToBal}, events, nil
	}, reason, &from, &to, amount)
}

// stagedEvent is a BalanceChanged event staged inside the transaction for
// post-commit emission (spec §4.D step 4, §4.E).
type stagedEvent struct {
	uuid               [16]byte
	seq                uint64
	oldUnits, newUnits int64
	reason             string
}

// policyFunc performs the locking + balance-policy + persistence steps
// inside the transaction. It returns the new balances (for Outcome) and the
// events to stage, or a classified *mincore.Error.
type policyFunc func(ctx context.Context, tx *sql.Tx) (map[[16]byte]int64, []stagedEvent, *mincore.Error)

// run wraps policy in applyIdempotent (spec §4.D "Execution"), records
// the ledger entry on success, stages events for post-commit emission,
// and reports metrics.
func (e *Engine) run(octx OpContext, op, key, payload string, policy policyFunc, reason string, from, to *[16]byte, amount int64) (Outcome, error) {
	if key == "" {
		key = e.autoKey(op)
	}
	payloadHash := sha256Hex(payload)

	var outcome Outcome
	var staged []stagedEvent
	var policyErr *mincore.Error

	result, err := e.idem.ApplyIdempotent(context.Background(), idemScope, key, payloadHash, func(ctx context.Context, tx *sql.Tx) error {
		balances, events, perr := policy(ctx, tx)
		if perr != nil {
			policyErr = perr
			return perr
		}
		staged = events
		outcome.NewBalances = balances

		for _, ev := range events {
			oldUnits, newUnits := ev.oldUnits, ev.newUnits
			if err := insertLedgerEntry(ctx, tx, op, from, to, &ev.uuid, amount, reason, ev.seq, idemScope, key, &oldUnits, &newUnits, octx); err != nil {
				return err
			}
		}
		if len(events) == 0 {
			// Only a self-transfer stages no events; it is a no-op success
			// but still gets one ledger row so it stays observable.
			// Zero-amount deposits/withdrawals stage an event and are
			// recorded by the loop above. from == to here, so either
			// serves as the row's subject.
			if err := insertLedgerEntry(ctx, tx, op, from, to, from, amount, reason, 0, idemScope, key, nil, nil, octx); err != nil {
				return err
			}
		}
		return nil
	})

	switch result {
	case idempotency.Success:
		e.metrics.WalletOpResult(op, true)
		for _, ev := range staged {
			e.bus.Publish(ev.uuid, mincore.BalanceChanged{
				UUID: ev.uuid, Seq: ev.seq, OldUnits: ev.oldUnits, NewUnits: ev.newUnits, Reason: reason, Version: 1,
			})
		}
		return outcome, nil
	case idempotency.Replay:
		outcome.Replayed = true
		e.metrics.WalletOpResult(op, true)
		return outcome, nil
	case idempotency.Mismatch:
		e.metrics.WalletOpResult(op, false)
		return Outcome{}, mincore.NewError(mincore.ErrIdempotencyMismatch, op, "idempotency key reused with a different payload", nil)
	case idempotency.WorkFailed:
		e.metrics.WalletOpResult(op, false)
		if policyErr != nil {
			return Outcome{}, policyErr
		}
		return Outcome{}, mincore.NewError(mincore.ErrConnectionLost, op, "work failed", err)
	default:
		e.metrics.WalletOpResult(op, false)
		if mincore.CodeOf(err) != "" {
			return Outcome{}, err
		}
		return Outcome{}, mincore.ClassifySQLError(op, err)
	}
}

// autoKey synthesizes an internal, unreplayable idempotency key when the
// caller omits one (spec §4.D: "no replay possible across calls").
func (e *Engine) autoKey(op string) string {
	seq := atomic.AddUint64(&e.autoKeySeq, 1)
	return fmt.Sprintf("auto:%s:%d:%d", op, mincore.Now(), seq)
}

// canonicalPayload builds the deterministic payload string (spec §4.D
// "Canonical payload"): scope | fromUuidOrZero | toUuidOrZero | amount |
// lowerTrimClamp(reason,64).
func canonicalPayload(scope string, from, to [16]byte, amount int64, reason string) string {
	return fmt.Sprintf("%s|%s|%s|%d|%s", scope, uuidutil.Canonical(from), uuidutil.Canonical(to), amount, clampReason(reason))
}

func clampReason(reason string) string {
	r := strings.ToLower(strings.TrimSpace(reason))
	if len(r) > 64 {
		r = r[:64]
	}
	return r
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// lockBalance runs `SELECT balance FROM players WHERE uuid=? FOR UPDATE`
// (spec §4.D step 1). ok is false when no such player exists
// (UNKNOWN_PLAYER).
func lockBalance(ctx context.Context, tx *sql.Tx, id [16]byte) (balance int64, ok bool, err error) {
	row := tx.QueryRowContext(ctx, `SELECT balance FROM players WHERE uuid = ? FOR UPDATE`, id[:])
	if err := row.Scan(&balance); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	return balance, true, nil
}

// updateBalanceAndSeq persists the new balance and bumps
// player_event_seq.seq using an atomic "insert or increment, return new"
// pattern (spec §4.D step 3).
func updateBalanceAndSeq(ctx context.Context, tx *sql.Tx, id [16]byte, newBalance int64) (uint64, error) {
	now := mincore.Now()
	if _, err := tx.ExecContext(ctx, `UPDATE players SET balance = ?, updated_at = ? WHERE uuid = ?`, newBalance, now, id[:]); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO player_event_seq (uuid, seq) VALUES (?, 1)
		ON DUPLICATE KEY UPDATE seq = seq + 1
	`, id[:]); err != nil {
		return 0, err
	}
	var seq uint64
	row := tx.QueryRowContext(ctx, `SELECT seq FROM player_event_seq WHERE uuid = ?`, id[:])
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// insertLedgerEntry appends one core_ledger row (spec §4.D "Ledger
// recording", §3 LedgerEntry). Only called on successful commit of the
// causing operation, since it runs inside the same transaction that is
// about to commit. subject names the participant seq/oldUnits/newUnits
// describe, disambiguating a transfer's two from_uuid/to_uuid-identical
// rows from each other.
func insertLedgerEntry(ctx context.Context, tx *sql.Tx, op string, from, to, subject *[16]byte, amount int64, reason string, seq uint64, idemScope, key string, oldUnits, newUnits *int64, octx OpContext) error {
	var fromParam, toParam, subjectParam interface{}
	if from != nil {
		fromParam = (*from)[:]
	}
	if to != nil {
		toParam = (*to)[:]
	}
	if subject != nil {
		subjectParam = (*subject)[:]
	}
	moduleID := octx.ModuleID
	if moduleID == "" {
		moduleID = "core"
	}
	var extra interface{}
	if octx.ExtraJSON != "" {
		extra = octx.ExtraJSON
	}
	var serverNode interface{}
	if octx.ServerNode != "" {
		serverNode = octx.ServerNode
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO core_ledger
			(ts, module_id, op, from_uuid, to_uuid, amount, reason, ok, code, seq, idem_scope, idem_key_hash, old_units, new_units, server_node, extra_json, subject_uuid)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, NULL, ?, ?, ?, ?, ?, ?, ?, ?)
	`, mincore.Now(), moduleID, op, fromParam, toParam, amount, reason, seq, idemScope, idempotency.HashKey(key), oldUnits, newUnits, serverNode, extra, subjectParam)
	return err
}
