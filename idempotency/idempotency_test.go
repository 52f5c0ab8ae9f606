package idempotency

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"

	"github.com/mincore-dev/mincore/dbpool"
	"github.com/mincore-dev/mincore/schema"
)

func TestHashKeyIsDeterministic(t *testing.T) {
	a := HashKey("idem:welcome:P1")
	b := HashKey("idem:welcome:P1")
	if a != b {
		t.Fatalf("HashKey not deterministic: %q != %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("HashKey length = %d, want 64 hex chars", len(a))
	}
	if HashKey("idem:welcome:P2") == a {
		t.Fatalf("different keys hashed to the same value")
	}
}

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dsn := os.Getenv("MINCORE_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping idempotency integration test: set MINCORE_TEST_DSN to run")
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
	return New(pool, nil, nil)
}

// TestApplyIdempotentReplayAndMismatch exercises spec §8's core
// idempotency properties: a second call with the same payload replays
// without re-running work, and a call with a different payload under the
// same (scope, key) is rejected as Mismatch with no side effect.
func TestApplyIdempotentReplayAndMismatch(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	scope := "test.scope"
	key := "test-key-1"
	calls := 0
	work := func(ctx context.Context, tx *sql.Tx) error {
		calls++
		return nil
	}

	res, err := reg.ApplyIdempotent(ctx, scope, key, "hashA", work)
	if err != nil {
		t.Fatalf("first ApplyIdempotent: %v", err)
	}
	if res != Success {
		t.Fatalf("first ApplyIdempotent result = %v, want Success", res)
	}
	if calls != 1 {
		t.Fatalf("work called %d times, want 1", calls)
	}

	res, err = reg.ApplyIdempotent(ctx, scope, key, "hashA", work)
	if err != nil {
		t.Fatalf("second ApplyIdempotent: %v", err)
	}
	if res != Replay {
		t.Fatalf("second ApplyIdempotent result = %v, want Replay", res)
	}
	if calls != 1 {
		t.Fatalf("work re-ran on replay: calls = %d, want 1", calls)
	}

	res, err = reg.ApplyIdempotent(ctx, scope, key, "hashB", work)
	if err != nil {
		t.Fatalf("mismatched ApplyIdempotent: %v", err)
	}
	if res != Mismatch {
		t.Fatalf("mismatched ApplyIdempotent result = %v, want Mismatch", res)
	}
	if calls != 1 {
		t.Fatalf("work ran on mismatch: calls = %d, want 1", calls)
	}
}

// TestApplyIdempotentWorkFailureRollsBack asserts a refusal from work
// leaves no ok=true row behind, so a subsequent call with the same payload
// is free to try again rather than being treated as a replay.
func TestApplyIdempotentWorkFailureRollsBack(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	scope := "test.scope.fail"
	key := "test-key-2"
	attempt := 0
	work := func(ctx context.Context, tx *sql.Tx) error {
		attempt++
		if attempt == 1 {
			return errBoom
		}
		return nil
	}

	res, err := reg.ApplyIdempotent(ctx, scope, key, "hashA", work)
	if res != WorkFailed || err == nil {
		t.Fatalf("ApplyIdempotent = (%v, %v), want (WorkFailed, non-nil)", res, err)
	}

	res, err = reg.ApplyIdempotent(ctx, scope, key, "hashA", work)
	if err != nil {
		t.Fatalf("retry ApplyIdempotent: %v", err)
	}
	if res != Success {
		t.Fatalf("retry ApplyIdempotent result = %v, want Success", res)
	}
}

var errBoom = sql.ErrNoRows
