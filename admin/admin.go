// Package admin implements the §4.L façade binding the pool, schema
// manager, idempotency registry, scheduler, and snapshot
// exporter/importer behind the §6 admin command surface (ledger queries
// read core_ledger through the pool; the wallet, event bus, attributes
// and players packages are not bound here): db.ping/db.info, migrate.check/apply, export.all, restore,
// doctor, ledger.recent/byPlayer/byModule/byReason, jobs.list/run, and
// backup.now.
//
// Grounded on the teacher's engine.go top-level Engine struct, which
// binds store/scheduler/metrics behind a small set of public entry
// points a host process calls; generalized here from a workflow engine's
// Run/Resume surface to this core's admin operation list. Every method
// returns a Result carrying ok plus an ErrorCode on failure (spec §6:
// "Each operation returns a structured result containing ok and an
// ErrorCode on failure"), instead of the teacher's raw-error-return
// convention, since the admin surface is consumed by a host that wants a
// uniform shape across every command.
package admin

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mincore-dev/mincore"
	"github.com/mincore-dev/mincore/dbpool"
	"github.com/mincore-dev/mincore/idempotency"
	"github.com/mincore-dev/mincore/logging"
	"github.com/mincore-dev/mincore/schema"
	"github.com/mincore-dev/mincore/snapshot"
	"github.com/mincore-dev/mincore/uuidutil"
)

// Result is the uniform return shape every admin operation produces (spec
// §6 "ok and an ErrorCode on failure").
type Result struct {
	OK      bool
	Code    mincore.ErrorCode
	Message string
	Data    any
}

func ok(data any) Result { return Result{OK: true, Data: data} }

func fail(err error) Result {
	if e, isErr := err.(*mincore.Error); isErr {
		return Result{OK: false, Code: e.Code, Message: e.Error()}
	}
	classified := mincore.ClassifySQLError("admin", err)
	return Result{OK: false, Code: classified.Code, Message: classified.Error()}
}

// Surface wires every component this core exposes behind the admin
// command list. Constructed once by the host process and handed to
// cmd/mincorectl or any in-process caller that needs the admin view.
type Surface struct {
	Pool        *dbpool.Pool
	Schema      *schema.Manager
	Idempotency *idempotency.Registry
	Exporter    *snapshot.Exporter
	Importer    *snapshot.Importer
	Scheduler   mincore.JobScheduler
	BackupOutDir string
	BackupGzip   bool
	Log         *logging.Logger
}

func (s *Surface) logger() *logging.Logger {
	if s.Log == nil {
		return logging.Nop()
	}
	return s.Log
}

// DBPing implements `db.ping`.
func (s *Surface) DBPing() Result {
	if err := s.Pool.Ping(); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// DBInfo is `db.info`: pool health state, recorded schema version, and
// idempotency registry stats.
type DBInfo struct {
	PoolState      string
	SchemaVersion  int
	Idempotency    idempotency.Stats
}

func (s *Surface) DBInfo() Result {
	state := "Healthy"
	if s.Pool.Degraded() {
		state = "Degraded"
	}
	version, err := s.Schema.CurrentVersion()
	if err != nil {
		return fail(err)
	}
	stats, err := s.Idempotency.GetStats()
	if err != nil {
		return fail(err)
	}
	return ok(DBInfo{PoolState: state, SchemaVersion: version, Idempotency: stats})
}

// MigrateCheck implements `migrate.check`: reports the recorded schema
// version without applying anything.
func (s *Surface) MigrateCheck() Result {
	version, err := s.Schema.CurrentVersion()
	if err != nil {
		return fail(err)
	}
	return ok(struct {
		RecordedVersion int
		CurrentVersion  int
		UpToDate        bool
	}{RecordedVersion: version, CurrentVersion: schema.CurrentSchemaVersion, UpToDate: version == schema.CurrentSchemaVersion})
}

// MigrateApply implements `migrate.apply`: runs the fixed, ordered DDL
// sequence and records the current schema version.
func (s *Surface) MigrateApply() Result {
	if err := s.Schema.Apply(); err != nil {
		return fail(err)
	}
	s.logger().Info("migrate.apply", "schema applied")
	return ok(nil)
}

// ExportAll implements `export.all(outDir?, gzip?)`.
func (s *Surface) ExportAll(ctx context.Context, outDir string, gzip bool) Result {
	path, err := s.Exporter.Export(ctx, outDir, gzip)
	if err != nil {
		return fail(err)
	}
	return ok(path)
}

// Restore implements `restore(mode, strategy?, from, overwrite?,
// skipFkChecks?, allowMissingChecksum?)`.
func (s *Surface) Restore(ctx context.Context, opts snapshot.Options) Result {
	if err := s.Importer.Restore(ctx, opts); err != nil {
		return fail(err)
	}
	s.logger().Info("restore", "restore completed")
	return ok(nil)
}

// BackupNow implements `backup.now`: an on-demand export into the
// configured backup directory, independent of the scheduled backup job.
func (s *Surface) BackupNow(ctx context.Context) Result {
	path, err := s.Exporter.Export(ctx, s.BackupOutDir, s.BackupGzip)
	if err != nil {
		return fail(err)
	}
	s.logger().Info("backup.now", "manual backup written to "+path)
	return ok(path)
}

// JobsList implements `jobs.list`.
func (s *Surface) JobsList() Result {
	return ok(s.Scheduler.List())
}

// JobsRun implements `jobs.run(name)`.
func (s *Surface) JobsRun(name string) Result {
	res, err := s.Scheduler.Run(name)
	if err != nil {
		return fail(err)
	}
	return ok(res.String())
}

// LedgerRecent implements `ledger.recent(n)`.
func (s *Surface) LedgerRecent(ctx context.Context, n int) Result {
	rows, err := s.Pool.DB().QueryContext(ctx, ledgerSelect+` ORDER BY id DESC LIMIT ?`, clampLimit(n))
	if err != nil {
		return fail(mincore.ClassifySQLError("ledger.recent", err))
	}
	entries, err := scanLedgerRows(rows)
	if err != nil {
		return fail(err)
	}
	return ok(entries)
}

// LedgerByPlayer implements `ledger.byPlayer(id, n)`. Filters on
// subject_uuid rather than from_uuid/to_uuid so a transfer contributes
// exactly the one row whose seq/old_units/new_units belong to id, not
// both sides of the transfer.
func (s *Surface) LedgerByPlayer(ctx context.Context, id [16]byte, n int) Result {
	rows, err := s.Pool.DB().QueryContext(ctx, ledgerSelect+` WHERE subject_uuid = ? ORDER BY id DESC LIMIT ?`, id[:], clampLimit(n))
	if err != nil {
		return fail(mincore.ClassifySQLError("ledger.byPlayer", err))
	}
	entries, err := scanLedgerRows(rows)
	if err != nil {
		return fail(err)
	}
	return ok(entries)
}

// LedgerByModule implements `ledger.byModule(id, n)`.
func (s *Surface) LedgerByModule(ctx context.Context, moduleID string, n int) Result {
	rows, err := s.Pool.DB().QueryContext(ctx, ledgerSelect+` WHERE module_id = ? ORDER BY id DESC LIMIT ?`, moduleID, clampLimit(n))
	if err != nil {
		return fail(mincore.ClassifySQLError("ledger.byModule", err))
	}
	entries, err := scanLedgerRows(rows)
	if err != nil {
		return fail(err)
	}
	return ok(entries)
}

// LedgerByReason implements `ledger.byReason(substring, n)`.
func (s *Surface) LedgerByReason(ctx context.Context, substring string, n int) Result {
	rows, err := s.Pool.DB().QueryContext(ctx, ledgerSelect+` WHERE reason LIKE ? ORDER BY id DESC LIMIT ?`, "%"+substring+"%", clampLimit(n))
	if err != nil {
		return fail(mincore.ClassifySQLError("ledger.byReason", err))
	}
	entries, err := scanLedgerRows(rows)
	if err != nil {
		return fail(err)
	}
	return ok(entries)
}

const ledgerSelect = `
	SELECT id, ts, module_id, op, from_uuid, to_uuid, amount, reason, ok, code, seq, idem_scope, idem_key_hash, old_units, new_units, server_node, extra_json, subject_uuid
	FROM core_ledger
`

func clampLimit(n int) int {
	if n <= 0 {
		return 50
	}
	if n > 10000 {
		return 10000
	}
	return n
}

func scanLedgerRows(rows *sql.Rows) ([]mincore.LedgerEntry, error) {
	defer rows.Close()
	var out []mincore.LedgerEntry
	for rows.Next() {
		var fromBytes, toBytes, subjectBytes []byte
		var code, idemScope, idemKeyHash, serverNode, extraJSON sql.NullString
		var oldUnits, newUnits sql.NullInt64
		var e mincore.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.ModuleID, &e.Op, &fromBytes, &toBytes, &e.Amount, &e.Reason, &e.OK, &code, &e.Seq, &idemScope, &idemKeyHash, &oldUnits, &newUnits, &serverNode, &extraJSON, &subjectBytes); err != nil {
			return nil, mincore.ClassifySQLError("ledger.scan", err)
		}
		if len(fromBytes) == 16 {
			id, err := uuidutil.FromBytes(fromBytes)
			if err != nil {
				return nil, err
			}
			e.From = &id
		}
		if len(toBytes) == 16 {
			id, err := uuidutil.FromBytes(toBytes)
			if err != nil {
				return nil, err
			}
			e.To = &id
		}
		if len(subjectBytes) == 16 {
			id, err := uuidutil.FromBytes(subjectBytes)
			if err != nil {
				return nil, err
			}
			e.Subject = &id
		}
		e.Code = code.String
		e.IdemScope = idemScope.String
		e.IdemKeyHash = idemKeyHash.String
		e.ServerNode = serverNode.String
		e.ExtraJSON = extraJSON.String
		if oldUnits.Valid {
			v := oldUnits.Int64
			e.OldUnits = &v
		}
		if newUnits.Valid {
			v := newUnits.Int64
			e.NewUnits = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// fmtDuration is a small helper for doctor's analyze-timing report.
func fmtDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000)
}
