package scheduler

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) *Schedule {
	t.Helper()
	s, err := ParseSchedule(expr)
	if err != nil {
		t.Fatalf("ParseSchedule(%q): %v", expr, err)
	}
	return s
}

func TestEveryMinute(t *testing.T) {
	s := mustParse(t, "0 * * * * *")
	from := time.Date(2025, 1, 1, 0, 0, 30, 0, time.UTC)
	next := s.Next(from)
	want := time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestEveryTwoSeconds(t *testing.T) {
	s := mustParse(t, "*/2 * * * * *")
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	next := s.Next(from)
	want := time.Date(2025, 1, 1, 0, 0, 2, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestNextIsStrictlyAfter(t *testing.T) {
	s := mustParse(t, "0 0 0 * * *") // midnight daily
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	next := s.Next(at)
	if !next.After(at) {
		t.Fatalf("Next(%v) = %v, want strictly after", at, next)
	}
	want := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestNextIsMonotonicAndIdempotent(t *testing.T) {
	s := mustParse(t, "0 */15 * * * *")
	t0 := time.Date(2025, 3, 14, 9, 26, 0, 0, time.UTC)
	n1 := s.Next(t0)
	n2 := s.Next(n1)
	if !n2.After(n1) {
		t.Fatalf("Next not monotonic: n1=%v n2=%v", n1, n2)
	}
	// Idempotent under re-evaluation: Next(t0) computed twice agrees.
	n1b := s.Next(t0)
	if !n1.Equal(n1b) {
		t.Fatalf("Next not idempotent: %v != %v", n1, n1b)
	}
}

func TestSundayIsBothZeroAndSeven(t *testing.T) {
	s0 := mustParse(t, "0 0 0 * * 0")
	s7 := mustParse(t, "0 0 0 * * 7")
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) // a Wednesday
	n0 := s0.Next(from)
	n7 := s7.Next(from)
	if !n0.Equal(n7) {
		t.Fatalf("DOW 0 and 7 disagree: %v != %v", n0, n7)
	}
	if n0.Weekday() != time.Sunday {
		t.Fatalf("expected Sunday, got %v", n0.Weekday())
	}
}

func TestDomDowUnionFirstWeekOnly(t *testing.T) {
	// Fire on the 15th of the month, OR any Monday in the first week.
	s := mustParse(t, "0 0 0 15 * 1")

	// Jan 6 2025 is a Monday in the first week -> should match via DOW.
	firstMonday := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	if !s.Matches(firstMonday) {
		t.Fatalf("expected match on first-week Monday %v", firstMonday)
	}

	// Jan 13 2025 is a Monday NOT in the first week -> must not match via DOW alone.
	secondMonday := time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)
	if s.Matches(secondMonday) {
		t.Fatalf("did not expect match on second-week Monday %v", secondMonday)
	}

	// Jan 15 2025 matches via DOM regardless of weekday.
	fifteenth := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	if !s.Matches(fifteenth) {
		t.Fatalf("expected match on DOM=15 %v", fifteenth)
	}
}

func TestRejectsWrongFieldCount(t *testing.T) {
	if _, err := ParseSchedule("* * * *"); err == nil {
		t.Fatalf("expected error for 4-field expression")
	}
}

func TestRejectsOutOfRangeValue(t *testing.T) {
	if _, err := ParseSchedule("0 0 24 * * *"); err == nil {
		t.Fatalf("expected error for hour=24")
	}
}
