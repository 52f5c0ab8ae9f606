// Package uuidutil centralizes UUID handling for the core so every
// component binds the same representation to SQL parameters.
//
// Spec §9 flags the reference's "hybrid UUID parameter binding" (sometimes
// text `UNHEX(REPLACE(?, '-', ''))`, sometimes raw bytes) as a foot-gun.
// This package standardizes on 16-byte binary everywhere: Bytes/FromBytes
// convert at the one boundary where a driver parameter is built, and
// nothing else in the core should call uuid.Parse/uuid.String directly.
package uuidutil

import (
	"fmt"

	"github.com/google/uuid"
)

// Bytes returns the 16 raw bytes of id, suitable for binding as a BINARY(16)
// parameter.
func Bytes(id uuid.UUID) [16]byte {
	return [16]byte(id)
}

// FromBytes parses 16 raw bytes (as read back from a BINARY(16) column)
// into a uuid.UUID.
func FromBytes(b []byte) (uuid.UUID, error) {
	if len(b) != 16 {
		return uuid.UUID{}, fmt.Errorf("uuidutil: expected 16 bytes, got %d", len(b))
	}
	var u uuid.UUID
	copy(u[:], b)
	return u, nil
}

// Canonical formats id as the 8-4-4-4-12 string the snapshot exporter (spec
// §4.I) writes for UUID columns.
func Canonical(id [16]byte) string {
	return uuid.UUID(id).String()
}

// ParseCanonical parses an 8-4-4-4-12 string (as read from a JSONL snapshot
// or an admin command argument) into 16 raw bytes.
func ParseCanonical(s string) ([16]byte, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("uuidutil: parse %q: %w", s, err)
	}
	return [16]byte(u), nil
}

// Less reports whether a sorts strictly before b in ascending byte order.
// The wallet engine (spec §4.D) locks transfer participants in this order
// to eliminate the classic two-account deadlock.
func Less(a, b [16]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// OrderAscending returns a, b reordered so the first return value sorts
// before (or equals) the second, plus a boolean reporting whether a swap
// happened — callers that need to re-associate "from"/"to" semantics after
// locking in this order use the swapped flag to undo it.
func OrderAscending(a, b [16]byte) (first, second [16]byte, swapped bool) {
	if Less(b, a) {
		return b, a, true
	}
	return a, b, false
}

// Zero is the all-zero UUID used as the canonical-payload placeholder for a
// missing participant (spec §4.D canonical payload: "fromUuidOrZero").
var Zero [16]byte
