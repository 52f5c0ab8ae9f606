package admin

import (
	"context"
	"time"

	"github.com/mincore-dev/mincore"
)

// DoctorFlags selects which sub-checks `doctor` runs (spec §6
// `doctor(flags: fk, orphans, counts, analyze, locks)`, concretely
// defined per the supplemented feature list: fk, orphans, counts,
// analyze, locks).
type DoctorFlags struct {
	FK      bool
	Orphans bool
	Counts  bool
	Analyze bool
	Locks   bool
}

// AllDoctorFlags runs every sub-check.
func AllDoctorFlags() DoctorFlags {
	return DoctorFlags{FK: true, Orphans: true, Counts: true, Analyze: true, Locks: true}
}

// DoctorReport is doctor's aggregated result.
type DoctorReport struct {
	FKMismatches   []string          `json:"fkMismatches,omitempty"`
	OrphanLedger   int64             `json:"orphanLedgerRows,omitempty"`
	RowCounts      map[string]int64  `json:"rowCounts,omitempty"`
	AnalyzeResults map[string]string `json:"analyzeResults,omitempty"`
	Locks          []string          `json:"locks,omitempty"`
}

var coreDoctorTables = []string{
	"core_schema_version", "players", "player_event_seq", "core_requests", "player_attributes", "core_ledger",
}

// Doctor implements `doctor(flags)`. No real foreign keys are declared
// on these tables (spec §9 MariaDB portability note), so `fk` and
// `orphans` are application-level consistency scans rather than a
// catalog query.
func (s *Surface) Doctor(ctx context.Context, flags DoctorFlags) Result {
	report := DoctorReport{}

	if flags.Counts {
		counts, err := s.doctorCounts(ctx)
		if err != nil {
			return fail(err)
		}
		report.RowCounts = counts
	}

	if flags.Orphans || flags.FK {
		orphaned, err := s.doctorOrphans(ctx)
		if err != nil {
			return fail(err)
		}
		report.OrphanLedger = orphaned
		if flags.FK && orphaned > 0 {
			report.FKMismatches = append(report.FKMismatches, "core_ledger has rows referencing unknown players")
		}
	}

	if flags.Analyze {
		results, err := s.doctorAnalyze(ctx)
		if err != nil {
			return fail(err)
		}
		report.AnalyzeResults = results
	}

	if flags.Locks {
		report.Locks = s.doctorLocks()
	}

	return ok(report)
}

func (s *Surface) doctorCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(coreDoctorTables))
	for _, table := range coreDoctorTables {
		var n int64
		row := s.Pool.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table)
		if err := row.Scan(&n); err != nil {
			return nil, mincore.ClassifySQLError("doctor.counts", err)
		}
		counts[table] = n
	}
	return counts, nil
}

// doctorOrphans counts core_ledger rows whose from_uuid or to_uuid does
// not match any row in players — the application-level stand-in for a
// real foreign key, since these columns carry none (spec §9).
func (s *Surface) doctorOrphans(ctx context.Context) (int64, error) {
	var n int64
	row := s.Pool.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM core_ledger l
		WHERE (l.from_uuid IS NOT NULL AND NOT EXISTS (SELECT 1 FROM players p WHERE p.uuid = l.from_uuid))
		   OR (l.to_uuid IS NOT NULL AND NOT EXISTS (SELECT 1 FROM players p WHERE p.uuid = l.to_uuid))
	`)
	if err := row.Scan(&n); err != nil {
		return 0, mincore.ClassifySQLError("doctor.orphans", err)
	}
	return n, nil
}

func (s *Surface) doctorAnalyze(ctx context.Context) (map[string]string, error) {
	results := make(map[string]string, len(coreDoctorTables))
	for _, table := range coreDoctorTables {
		start := time.Now()
		if _, err := s.Pool.DB().ExecContext(ctx, `ANALYZE TABLE `+table); err != nil {
			return nil, mincore.ClassifySQLError("doctor.analyze", err)
		}
		results[table] = fmtDuration(time.Since(start))
	}
	return results, nil
}

// doctorLocks lists no lock names: it returns one fixed note that lock
// visibility is best-effort and limited to this process. It does not query
// the database or the scheduler for held advisory locks.
func (s *Surface) doctorLocks() []string {
	return []string{"lock visibility is best-effort and limited to this process"}
}
