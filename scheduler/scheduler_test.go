package scheduler

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/mincore-dev/mincore/config"
	"github.com/mincore-dev/mincore/dbpool"
)

func openTestPool(t *testing.T) *dbpool.Pool {
	t.Helper()
	dsn := os.Getenv("MINCORE_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping scheduler integration test: set MINCORE_TEST_DSN to run")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return dbpool.ForTesting(db)
}

// TestRunWhileRunningReturnsInProgress exercises spec §8 scenario 5:
// issuing a manual trigger while a job is already executing must report
// InProgress and must not start a second, overlapping execution.
func TestRunWhileRunningReturnsInProgress(t *testing.T) {
	pool := openTestPool(t)
	s := New(pool, 50*time.Millisecond, nil, nil)

	sched, err := ParseSchedule("*/2 * * * * *")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	overlap := make(chan bool, 1)

	job := &Job{
		ID:          "slow-job",
		Description: "test",
		Schedule:    sched,
		LockName:    "test:slow-job",
		OnMissed:    config.OnMissedSkip,
		Enabled:     true,
		Work: func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
				overlap <- true
			}
			<-release
			return nil
		},
	}
	if err := s.Register(job); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := s.Run("slow-job")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res != RunQueued {
		t.Fatalf("first Run = %v, want Queued", res)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("job never started")
	}

	res2, err := s.Run("slow-job")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res2 != RunInProgress {
		t.Fatalf("second Run = %v, want InProgress", res2)
	}

	close(release)
	select {
	case <-overlap:
		t.Fatalf("job body ran concurrently with itself")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRunUnknownJob(t *testing.T) {
	pool := openTestPool(t)
	s := New(pool, time.Second, nil, nil)
	res, err := s.Run("does-not-exist")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res != RunUnknown {
		t.Fatalf("Run = %v, want Unknown", res)
	}
}

func TestRunDisabledJob(t *testing.T) {
	pool := openTestPool(t)
	s := New(pool, time.Second, nil, nil)
	sched, _ := ParseSchedule("0 0 0 * * *")
	job := &Job{ID: "disabled", Schedule: sched, LockName: "test:disabled", Enabled: false, Work: func(ctx context.Context) error { return nil }}
	if err := s.Register(job); err != nil {
		t.Fatalf("Register: %v", err)
	}
	res, err := s.Run("disabled")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res != RunDisabled {
		t.Fatalf("Run = %v, want Disabled", res)
	}
}
