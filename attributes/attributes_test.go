package attributes

import (
	"database/sql"
	"os"
	"strings"
	"testing"

	_ "github.com/go-sql-driver/mysql"

	"github.com/mincore-dev/mincore/dbpool"
	"github.com/mincore-dev/mincore/schema"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MINCORE_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping attributes integration test: set MINCORE_TEST_DSN to run")
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

func TestSetGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	var owner [16]byte
	owner[0] = 1

	if err := store.Set(owner, "settings", `{"sound":true}`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := store.Get(owner, "settings")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("expected attribute to exist")
	}
	if v != `{"sound":true}` {
		t.Fatalf("Get value = %q, want {\"sound\":true}", v)
	}
}

func TestSetRejectsInvalidJSON(t *testing.T) {
	store := openTestStore(t)
	var owner [16]byte
	owner[0] = 2
	if err := store.Set(owner, "bad", "not json"); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}

func TestSetRejectsOversizedValue(t *testing.T) {
	store := openTestStore(t)
	var owner [16]byte
	owner[0] = 3
	huge := `{"v":"` + strings.Repeat("x", 9*1024) + `"}`
	if err := store.Set(owner, "huge", huge); err == nil {
		t.Fatalf("expected error for value exceeding 8 KiB")
	}
}

func TestGetMissingReturnsFalse(t *testing.T) {
	store := openTestStore(t)
	var owner [16]byte
	owner[0] = 4
	_, ok, err := store.Get(owner, "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing attribute")
	}
}
