package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/mincore-dev/mincore/dbpool"
	"github.com/mincore-dev/mincore/schema"
)

func openTestExportPool(t *testing.T) *dbpool.Pool {
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

func TestExportWritesHeaderAndChecksum(t *testing.T) {
	pool := openTestExportPool(t)
	ctx := context.Background()

	id := uuid.New()
	now := time.Now().UTC().Unix()
	if _, err := pool.DB().ExecContext(ctx, `INSERT INTO players (uuid, name, name_lower, balance, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		idBytes(id), "Snapshotted", "snapshotted", 500, now, now); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	exp := New(pool, schema.CurrentSchemaVersion, "UTC", nil)
	outDir := t.TempDir()

	path, err := exp.Export(ctx, outDir, false)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "mincore-") {
		t.Fatalf("unexpected snapshot filename %q", path)
	}

	sidecar, err := os.ReadFile(path + ".sha256")
	if err != nil {
		t.Fatalf("missing sidecar: %v", err)
	}
	if len(strings.TrimSpace(string(sidecar))) != 64 {
		t.Fatalf("sidecar does not look like a sha256 hex digest: %q", sidecar)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least a header line and one player line, got %d lines", len(lines))
	}
	var header Header
	if err := json.Unmarshal([]byte(lines[0]), &header); err != nil {
		t.Fatalf("header unmarshal: %v", err)
	}
	if header.Version != FormatVersion {
		t.Fatalf("header.Version = %q, want %q", header.Version, FormatVersion)
	}
	if header.SchemaVersion != schema.CurrentSchemaVersion {
		t.Fatalf("header.SchemaVersion = %d, want %d", header.SchemaVersion, schema.CurrentSchemaVersion)
	}

	foundPlayer := false
	for _, l := range lines[1:] {
		var probe struct {
			Table string `json:"table"`
		}
		if err := json.Unmarshal([]byte(l), &probe); err != nil {
			t.Fatalf("row unmarshal: %v", err)
		}
		if probe.Table == "players" {
			foundPlayer = true
		}
	}
	if !foundPlayer {
		t.Fatalf("expected a players row in the dump")
	}
}

func TestPruneKeepsNewestAndExempt(t *testing.T) {
	outDir := t.TempDir()
	exp := &Exporter{}

	now := time.Now()
	names := []string{"mincore-a.jsonl", "mincore-b.jsonl", "mincore-c.jsonl"}
	for i, n := range names {
		p := filepath.Join(outDir, n)
		if err := os.WriteFile(p, []byte("{}"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if err := os.WriteFile(p+".sha256", []byte("deadbeef"), 0o644); err != nil {
			t.Fatalf("WriteFile sidecar: %v", err)
		}
		mtime := now.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(p, mtime, mtime); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}
	exempt := filepath.Join(outDir, names[0])

	if err := exp.Prune(outDir, 0, 1, exempt); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	remaining := map[string]bool{}
	for _, e := range entries {
		remaining[e.Name()] = true
	}
	if !remaining[names[0]] {
		t.Fatalf("exempt file %q was pruned", names[0])
	}
	if !remaining[names[2]] {
		t.Fatalf("newest file %q was pruned, want kept under keepMax=1", names[2])
	}
	if remaining[names[1]] {
		t.Fatalf("middle file %q should have been pruned", names[1])
	}
}

func idBytes(id uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}
