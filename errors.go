package mincore

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// ErrorCode is the exhaustive taxonomy from spec §7. Every public operation
// this core exposes returns one of these (wrapped in *Error) on failure,
// instead of a raw driver error. The reference raises exceptions for these
// conditions; spec §9 flags that as needing re-architecture into an
// explicit result type, which *Error plus the per-package Outcome/Result
// types implement.
type ErrorCode string

const (
	ErrInsufficientFunds     ErrorCode = "INSUFFICIENT_FUNDS"
	ErrInvalidAmount         ErrorCode = "INVALID_AMOUNT"
	ErrUnknownPlayer         ErrorCode = "UNKNOWN_PLAYER"
	ErrNameAmbiguous         ErrorCode = "NAME_AMBIGUOUS"
	ErrIdempotencyReplay     ErrorCode = "IDEMPOTENCY_REPLAY"
	ErrIdempotencyMismatch   ErrorCode = "IDEMPOTENCY_MISMATCH"
	ErrDeadlockExhausted     ErrorCode = "DEADLOCK_RETRY_EXHAUSTED"
	ErrConnectionLost        ErrorCode = "CONNECTION_LOST"
	ErrDegradedMode          ErrorCode = "DEGRADED_MODE"
	ErrMigrationLocked       ErrorCode = "MIGRATION_LOCKED"
	ErrInvalidTZ             ErrorCode = "INVALID_TZ"
	ErrOverridesDisabled     ErrorCode = "OVERRIDES_DISABLED"
	ErrDBSlowQuery           ErrorCode = "DB_SLOW_QUERY" // warning only, never returned as a failure
)

// Error is the structured error every public operation returns on failure.
// It carries enough context to produce the spec §6 observability line:
//
//	code=<ErrorCode> op=<name> message=<…> [sqlState=<…> vendor=<…>]
type Error struct {
	Code     ErrorCode
	Op       string
	Message  string
	SQLState string
	Vendor   string
	Cause    error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs an *Error, optionally wrapping cause.
func NewError(code ErrorCode, op, message string, cause error) *Error {
	return &Error{Code: code, Op: op, Message: message, Cause: cause}
}

// Is allows errors.Is(err, mincore.NewError(mincore.ErrInsufficientFunds,
// "", "", nil))-style comparisons by code, without requiring callers to
// hold a reference to the exact *Error value (sentinel errors can't carry Op/Message, so we match on
// code instead; see CodeOf).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// CodeOf extracts the ErrorCode from err if it is (or wraps) a *Error, and
// the empty string otherwise.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// mariaDB error numbers classified by spec §7: deadlock/lock-wait class
// retries via withRetry; everything else is treated as connection loss and
// flips the pool to Degraded.
const (
	myErrLockDeadlock  = 1213
	myErrLockWaitTO    = 1205
	myErrXARBDeadlock  = 1614 // defensive: some proxies remap 40001-style codes here
)

// ClassifySQLError maps a raw database error to the §7 taxonomy. Retries
// happen only for the deadlock class, and only inside dbpool.WithRetry.
func ClassifySQLError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case myErrLockDeadlock, myErrLockWaitTO, myErrXARBDeadlock:
			return &Error{
				Code:     ErrDeadlockExhausted,
				Op:       op,
				Message:  me.Message,
				SQLState: me.SQLState,
				Vendor:   fmt.Sprintf("mysql:%d", me.Number),
				Cause:    err,
			}
		default:
			return &Error{
				Code:     ErrConnectionLost,
				Op:       op,
				Message:  me.Message,
				SQLState: me.SQLState,
				Vendor:   fmt.Sprintf("mysql:%d", me.Number),
				Cause:    err,
			}
		}
	}
	// Anything that isn't a recognized MySQL protocol error (connection
	// refused, timeout, context cancellation after the pool went away,
	// etc.) is treated as connection loss per §7.
	return &Error{Code: ErrConnectionLost, Op: op, Message: err.Error(), Cause: err}
}
