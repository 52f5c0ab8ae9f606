package players

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"

	"github.com/mincore-dev/mincore/dbpool"
	"github.com/mincore-dev/mincore/schema"
)

func openTestDirectory(t *testing.T) *Directory {
	t.Helper()
	dsn := os.Getenv("MINCORE_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping players integration test: set MINCORE_TEST_DSN to run")
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
	return New(pool)
}

func TestEnsureSeenCreatesThenUpdates(t *testing.T) {
	dir := openTestDirectory(t)
	var id [16]byte
	id[0] = 0xAB

	if err := dir.EnsureSeen(id, "Alice", 1000); err != nil {
		t.Fatalf("EnsureSeen (create): %v", err)
	}
	p, err := dir.ByUUID(id)
	if err != nil {
		t.Fatalf("ByUUID: %v", err)
	}
	if p == nil {
		t.Fatalf("expected player to exist after EnsureSeen")
	}
	if p.Name != "Alice" || p.NameLower != "alice" {
		t.Fatalf("Name/NameLower = %q/%q, want Alice/alice", p.Name, p.NameLower)
	}
	if p.Balance != 0 {
		t.Fatalf("newly created player balance = %d, want 0", p.Balance)
	}

	if err := dir.EnsureSeen(id, "AliceRenamed", 2000); err != nil {
		t.Fatalf("EnsureSeen (update): %v", err)
	}
	p2, err := dir.ByUUID(id)
	if err != nil {
		t.Fatalf("ByUUID after rename: %v", err)
	}
	if p2.Name != "AliceRenamed" {
		t.Fatalf("Name after rename = %q, want AliceRenamed", p2.Name)
	}
	if p2.SeenAt == nil || *p2.SeenAt != 2000 {
		t.Fatalf("SeenAt = %v, want 2000", p2.SeenAt)
	}
}

func TestByNameCaseInsensitive(t *testing.T) {
	dir := openTestDirectory(t)
	var id [16]byte
	id[0] = 0xCD

	if err := dir.EnsureSeen(id, "Bob", 1000); err != nil {
		t.Fatalf("EnsureSeen: %v", err)
	}
	p, err := dir.ByName("BOB")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if p == nil {
		t.Fatalf("expected to find Bob by case-insensitive lookup")
	}
}

func TestByUUIDUnknownReturnsNil(t *testing.T) {
	dir := openTestDirectory(t)
	var id [16]byte
	id[0] = 0xEF
	p, err := dir.ByUUID(id)
	if err != nil {
		t.Fatalf("ByUUID: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil for unknown player")
	}
}
