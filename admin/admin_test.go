package admin

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"

	"github.com/mincore-dev/mincore/dbpool"
	"github.com/mincore-dev/mincore/idempotency"
	"github.com/mincore-dev/mincore/players"
	"github.com/mincore-dev/mincore/schema"
	"github.com/mincore-dev/mincore/snapshot"
)

func openTestSurface(t *testing.T) *Surface {
	t.Helper()
	dsn := os.Getenv("MINCORE_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping admin integration test: set MINCORE_TEST_DSN to run")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	pool := dbpool.ForTesting(db)
	schemaMgr := schema.New(pool)
	if err := schemaMgr.Apply(); err != nil {
		t.Fatalf("schema.Apply: %v", err)
	}

	dir := players.New(pool)
	var id [16]byte
	id[0] = 0x30
	if err := dir.EnsureSeen(id, "admintest", 1); err != nil {
		t.Fatalf("EnsureSeen: %v", err)
	}

	return &Surface{
		Pool:        pool,
		Schema:      schemaMgr,
		Idempotency: idempotency.New(pool, nil, nil),
		Exporter:    snapshot.New(pool, schema.CurrentSchemaVersion, "UTC", nil),
		Importer:    snapshot.NewImporter(pool, schema.CurrentSchemaVersion, nil),
	}
}

func TestDBPingSucceeds(t *testing.T) {
	s := openTestSurface(t)
	res := s.DBPing()
	if !res.OK {
		t.Fatalf("DBPing failed: %s: %s", res.Code, res.Message)
	}
}

func TestDBInfoReportsSchemaVersion(t *testing.T) {
	s := openTestSurface(t)
	res := s.DBInfo()
	if !res.OK {
		t.Fatalf("DBInfo failed: %s: %s", res.Code, res.Message)
	}
	info, ok := res.Data.(DBInfo)
	if !ok {
		t.Fatalf("Data is %T, want DBInfo", res.Data)
	}
	if info.SchemaVersion != schema.CurrentSchemaVersion {
		t.Fatalf("SchemaVersion = %d, want %d", info.SchemaVersion, schema.CurrentSchemaVersion)
	}
}

func TestMigrateCheckReportsUpToDate(t *testing.T) {
	s := openTestSurface(t)
	res := s.MigrateCheck()
	if !res.OK {
		t.Fatalf("MigrateCheck failed: %s: %s", res.Code, res.Message)
	}
}

func TestDoctorCountsIncludesSeededPlayer(t *testing.T) {
	s := openTestSurface(t)
	res := s.Doctor(context.Background(), DoctorFlags{Counts: true})
	if !res.OK {
		t.Fatalf("Doctor failed: %s: %s", res.Code, res.Message)
	}
	report, ok := res.Data.(DoctorReport)
	if !ok {
		t.Fatalf("Data is %T, want DoctorReport", res.Data)
	}
	if report.RowCounts["players"] < 1 {
		t.Fatalf("players row count = %d, want >= 1", report.RowCounts["players"])
	}
}

func TestDoctorOrphansIsZeroOnCleanData(t *testing.T) {
	s := openTestSurface(t)
	res := s.Doctor(context.Background(), DoctorFlags{Orphans: true})
	if !res.OK {
		t.Fatalf("Doctor failed: %s: %s", res.Code, res.Message)
	}
	report := res.Data.(DoctorReport)
	if report.OrphanLedger != 0 {
		t.Fatalf("OrphanLedger = %d, want 0", report.OrphanLedger)
	}
}

func TestLedgerRecentReturnsEmptyWithoutError(t *testing.T) {
	s := openTestSurface(t)
	res := s.LedgerRecent(context.Background(), 10)
	if !res.OK {
		t.Fatalf("LedgerRecent failed: %s: %s", res.Code, res.Message)
	}
}

func TestJobsListOnNilSchedulerSkipped(t *testing.T) {
	s := openTestSurface(t)
	if s.Scheduler == nil {
		t.Skip("no scheduler wired for this surface; JobsList requires one")
	}
	res := s.JobsList()
	if !res.OK {
		t.Fatalf("JobsList failed: %s: %s", res.Code, res.Message)
	}
}
