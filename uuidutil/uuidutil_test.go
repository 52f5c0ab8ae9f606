package uuidutil

import (
	"testing"

	"github.com/google/uuid"
)

func TestBytesRoundTrip(t *testing.T) {
	id := uuid.New()
	b := Bytes(id)
	got, err := FromBytes(b[:])
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if got != id {
		t.Fatalf("got %s, want %s", got, id)
	}
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short byte slice")
	}
}

func TestCanonicalParseCanonicalRoundTrip(t *testing.T) {
	id := uuid.New()
	b := [16]byte(id)
	s := Canonical(b)
	got, err := ParseCanonical(s)
	if err != nil {
		t.Fatalf("ParseCanonical: %v", err)
	}
	if got != b {
		t.Fatalf("got %v, want %v", got, b)
	}
}

func TestParseCanonicalRejectsGarbage(t *testing.T) {
	if _, err := ParseCanonical("not-a-uuid"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLessIsStrictAscendingByteOrder(t *testing.T) {
	a := [16]byte{0x01}
	b := [16]byte{0x02}
	if !Less(a, b) {
		t.Fatalf("expected a < b")
	}
	if Less(b, a) {
		t.Fatalf("expected b not< a")
	}
	if Less(a, a) {
		t.Fatalf("expected a not< a")
	}
}

func TestOrderAscendingReportsSwap(t *testing.T) {
	a := [16]byte{0x02}
	b := [16]byte{0x01}

	first, second, swapped := OrderAscending(a, b)
	if first != b || second != a || !swapped {
		t.Fatalf("OrderAscending(%v, %v) = %v, %v, %v; want %v, %v, true", a, b, first, second, swapped, b, a)
	}

	first2, second2, swapped2 := OrderAscending(b, a)
	if first2 != b || second2 != a || swapped2 {
		t.Fatalf("OrderAscending(%v, %v) = %v, %v, %v; want %v, %v, false", b, a, first2, second2, swapped2, b, a)
	}
}

func TestZeroIsAllZeroBytes(t *testing.T) {
	var want [16]byte
	if Zero != want {
		t.Fatalf("Zero is not all-zero")
	}
}
