// Package scheduler implements the cron-driven job scheduler (spec §4.H):
// a 6-field cron evaluator driving jobs that hold database-level
// advisory locks for single-node execution.
//
// Grounded on the teacher's graph/scheduler.go frontier model (one
// job runs to completion before the next fire is considered; no
// build-up of overlapping executions) and its deterministic-ordering
// idiom, adapted from a single in-process work-heap into independent,
// named, cron-scheduled jobs. The cron grammar itself has no teacher
// analogue and is implemented directly from spec §4.H.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed 6-field cron expression: seconds minutes hours
// day-of-month month day-of-week. All evaluation is in UTC (spec §4.H).
type Schedule struct {
	seconds    fieldSet
	minutes    fieldSet
	hours      fieldSet
	dom        fieldSet
	month      fieldSet
	dow        fieldSet
	domWild    bool
	dowWild    bool
}

// fieldSet is the set of valid values for one cron field, represented as
// a bitset (fields never exceed 60 distinct values).
type fieldSet uint64

func (f fieldSet) has(v int) bool { return f&(1<<uint(v)) != 0 }

// ParseSchedule parses the spec §4.H grammar: whitespace-separated
// `seconds minutes hours day-of-month month day-of-week`, each field
// supporting `*`, `a-b`, `a-b/step`, `*/step`, and comma-lists. Day-of-week
// values 0 and 7 both denote Sunday.
func ParseSchedule(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 6 {
		return nil, fmt.Errorf("scheduler: cron expression must have 6 fields, got %d: %q", len(fields), expr)
	}

	seconds, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("scheduler: seconds field: %w", err)
	}
	minutes, err := parseField(fields[1], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("scheduler: minutes field: %w", err)
	}
	hours, err := parseField(fields[2], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("scheduler: hours field: %w", err)
	}
	dom, err := parseField(fields[3], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("scheduler: day-of-month field: %w", err)
	}
	month, err := parseField(fields[4], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("scheduler: month field: %w", err)
	}
	dow, err := parseField(fields[5], 0, 7)
	if err != nil {
		return nil, fmt.Errorf("scheduler: day-of-week field: %w", err)
	}
	// 0 and 7 both mean Sunday (spec §4.H).
	if dow.has(7) {
		dow |= 1 << 0
	}
	if dow.has(0) {
		dow |= 1 << 7
	}

	return &Schedule{
		seconds: seconds,
		minutes: minutes,
		hours:   hours,
		dom:     dom,
		month:   month,
		dow:     dow,
		domWild: fields[3] == "*",
		dowWild: fields[5] == "*",
	}, nil
}

// parseField parses one comma-separated list of `*`, `n`, `a-b`, `*/step`,
// or `a-b/step` entries into a fieldSet bounded by [min,max].
func parseField(s string, min, max int) (fieldSet, error) {
	var set fieldSet
	for _, part := range strings.Split(s, ",") {
		lo, hi, step, err := parseRange(part, min, max)
		if err != nil {
			return 0, err
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

func parseRange(part string, min, max int) (lo, hi, step int, err error) {
	step = 1
	rangePart := part
	if i := strings.IndexByte(part, '/'); i >= 0 {
		rangePart = part[:i]
		step, err = strconv.Atoi(part[i+1:])
		if err != nil || step <= 0 {
			return 0, 0, 0, fmt.Errorf("invalid step in %q", part)
		}
	}

	switch {
	case rangePart == "*":
		lo, hi = min, max
	case strings.Contains(rangePart, "-"):
		segs := strings.SplitN(rangePart, "-", 2)
		lo, err = strconv.Atoi(segs[0])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid range start in %q", part)
		}
		hi, err = strconv.Atoi(segs[1])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid range end in %q", part)
		}
	default:
		lo, err = strconv.Atoi(rangePart)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid value %q", part)
		}
		hi = lo
	}

	if lo < min || hi > max || lo > hi {
		return 0, 0, 0, fmt.Errorf("value out of range [%d,%d] in %q", min, max, part)
	}
	return lo, hi, step, nil
}

// Next returns the earliest UTC instant strictly after t that matches the
// schedule (spec §4.H: "computes the next match strictly after the
// current candidate"). Next is monotonic in t and idempotent under
// re-evaluation (spec §8).
//
// The search proceeds minute-by-minute (bounded to four years, comfortably
// covering any schedule that recurs within a year) for the
// month/day/hour/minute fields, then scans seconds within the first
// matching minute — avoiding a full second-resolution brute force over
// the whole search window.
func (s *Schedule) Next(t time.Time) time.Time {
	t = t.UTC().Truncate(time.Second).Add(time.Second)
	cursor := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)

	const maxMinutes = 4 * 366 * 24 * 60
	for i := 0; i < maxMinutes; i++ {
		if s.minuteMatches(cursor) {
			startSecond := 0
			if i == 0 && cursor.Equal(time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)) {
				startSecond = t.Second()
			}
			for sec := startSecond; sec < 60; sec++ {
				candidate := cursor.Add(time.Duration(sec) * time.Second)
				if s.seconds.has(sec) {
					return candidate
				}
			}
		}
		cursor = cursor.Add(time.Minute)
	}
	// Unreachable for any schedule produced by ParseSchedule, since every
	// field set is non-empty by construction.
	return cursor
}

// minuteMatches checks every field except seconds, reusing matches'
// DOM/DOW union rule.
func (s *Schedule) minuteMatches(t time.Time) bool {
	if !s.minutes.has(t.Minute()) || !s.hours.has(t.Hour()) || !s.month.has(int(t.Month())) {
		return false
	}
	domMatch := s.dom.has(t.Day())
	dowMatch := s.dow.has(int(t.Weekday()))
	switch {
	case s.domWild && s.dowWild:
		return true
	case s.domWild:
		return dowMatch
	case s.dowWild:
		return domMatch
	default:
		if dowMatch && t.Day() <= 7 {
			return true
		}
		return domMatch
	}
}

// Matches reports whether t satisfies every field of the schedule,
// applying the spec §4.H DOM/DOW union rule: when both are restricted
// (non-wildcard), match is the union, but only if the matching DOW day
// falls within the first week of the month; otherwise DOM alone applies.
func (s *Schedule) Matches(t time.Time) bool {
	t = t.UTC()
	return s.seconds.has(t.Second()) && s.minuteMatches(t)
}
