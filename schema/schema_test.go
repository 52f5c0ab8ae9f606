package schema

import (
	"database/sql"
	"os"
	"regexp"
	"testing"

	_ "github.com/go-sql-driver/mysql"

	"github.com/mincore-dev/mincore/dbpool"
)

var tableNamePattern = regexp.MustCompile(`CREATE TABLE IF NOT EXISTS (\w+)`)

// TestStatementsAreWellFormed is a pure unit test: no live database needed.
// It guards against the kind of copy-paste mistake that only a live CREATE
// would otherwise catch, such as two statements targeting the same table.
func TestStatementsAreWellFormed(t *testing.T) {
	seen := make(map[string]bool)
	for i, stmt := range statements {
		m := tableNamePattern.FindStringSubmatch(stmt)
		if m == nil {
			t.Fatalf("statement %d does not start with CREATE TABLE IF NOT EXISTS", i)
		}
		name := m[1]
		if seen[name] {
			t.Fatalf("statement %d redeclares table %q", i, name)
		}
		seen[name] = true
	}

	want := []string{"core_schema_version", "players", "player_event_seq", "core_requests", "player_attributes", "core_ledger"}
	if len(seen) != len(want) {
		t.Fatalf("got %d tables, want %d", len(seen), len(want))
	}
	for _, name := range want {
		if !seen[name] {
			t.Fatalf("missing expected table %q", name)
		}
	}
}

// TestApplyAndCurrentVersion is gated on MINCORE_TEST_DSN (the teacher's
// TEST_MYSQL_DSN convention, renamed for this module) since it needs a real
// MariaDB/MySQL server to apply DDL against.
func TestApplyAndCurrentVersion(t *testing.T) {
	dsn := os.Getenv("MINCORE_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping schema integration test: set MINCORE_TEST_DSN to run")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	pool := dbpool.ForTesting(db)
	mgr := New(pool)

	if err := mgr.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	version, err := mgr.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Fatalf("CurrentVersion() = %d, want %d", version, CurrentSchemaVersion)
	}

	// Apply is idempotent: re-running must not fail on "table already exists".
	if err := mgr.Apply(); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
}
