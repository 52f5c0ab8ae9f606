package snapshot

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/mincore-dev/mincore/dbpool"
	"github.com/mincore-dev/mincore/schema"
)

func openTestImportPool(t *testing.T) *dbpool.Pool {
	t.Helper()
	dsn := os.Getenv("MINCORE_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping snapshot integration test: set MINCORE_TEST_DSN to run")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	pool := dbpool.ForTesting(db)
	if err := schema.New(pool).Apply(); err != nil {
		t.Fatalf("schema.Apply: %v", err)
	}
	return pool
}

// TestRoundTripFreshAtomic exports one player, deletes its row, restores
// from the snapshot with FRESH/ATOMIC, and checks the player comes back.
func TestRoundTripFreshAtomic(t *testing.T) {
	pool := openTestImportPool(t)
	ctx := context.Background()

	id := uuid.New()
	now := time.Now().UTC().Unix()
	if _, err := pool.DB().ExecContext(ctx, `INSERT INTO players (uuid, name, name_lower, balance, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		idBytes(id), "Roundtrip", "roundtrip", 750, now, now); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	exp := New(pool, schema.CurrentSchemaVersion, "UTC", nil)
	outDir := t.TempDir()
	path, err := exp.Export(ctx, outDir, false)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	if _, err := pool.DB().ExecContext(ctx, `DELETE FROM players WHERE uuid = ?`, idBytes(id)); err != nil {
		t.Fatalf("pre-restore delete: %v", err)
	}

	imp := NewImporter(pool, schema.CurrentSchemaVersion, nil)
	err = imp.Restore(ctx, Options{Mode: ModeFresh, Strategy: StrategyAtomic, From: path})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	var balance int64
	row := pool.DB().QueryRowContext(ctx, `SELECT balance FROM players WHERE uuid = ?`, idBytes(id))
	if err := row.Scan(&balance); err != nil {
		t.Fatalf("post-restore select: %v", err)
	}
	if balance != 750 {
		t.Fatalf("balance = %d, want 750", balance)
	}
}

func TestRestoreRejectsSchemaVersionMismatch(t *testing.T) {
	pool := openTestImportPool(t)
	ctx := context.Background()

	exp := New(pool, schema.CurrentSchemaVersion, "UTC", nil)
	outDir := t.TempDir()
	path, err := exp.Export(ctx, outDir, false)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	imp := NewImporter(pool, schema.CurrentSchemaVersion+1, nil)
	err = imp.Restore(ctx, Options{Mode: ModeFresh, Strategy: StrategyAtomic, From: path})
	if err == nil {
		t.Fatalf("expected schema version mismatch error")
	}
}

func TestResolveSourcePicksNewestInDirectory(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "mincore-20250101T000000Z.jsonl")
	newer := filepath.Join(dir, "mincore-20250102T000000Z.jsonl")
	if err := os.WriteFile(older, []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(newer, []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	now := time.Now()
	if err := os.Chtimes(older, now.Add(-time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if err := os.Chtimes(newer, now, now); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	got, err := resolveSource(dir)
	if err != nil {
		t.Fatalf("resolveSource: %v", err)
	}
	if got != newer {
		t.Fatalf("resolveSource = %q, want %q", got, newer)
	}
}
