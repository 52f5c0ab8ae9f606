// Package scheduler also implements the job registry and single-node
// advisory-lock guarantee (spec §4.H). Each job ticks against its parsed
// Schedule; at most one execution is ever in flight per job, and a fire
// that lands while the previous one is still running or queued is
// dropped rather than queued up.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/mincore-dev/mincore"
	"github.com/mincore-dev/mincore/config"
	"github.com/mincore-dev/mincore/dbpool"
	"github.com/mincore-dev/mincore/logging"
	"github.com/mincore-dev/mincore/metrics"
)

// RunResult mirrors mincore.RunResult for package-local use.
type RunResult = mincore.RunResult

const (
	RunQueued     = mincore.RunQueued
	RunInProgress = mincore.RunInProgress
	RunUnknown    = mincore.RunUnknown
	RunDisabled   = mincore.RunDisabled
)

// Work is a job body. It receives the context used to run the tick; the
// job's advisory lock is already held for the duration of the call.
type Work func(ctx context.Context) error

// Job is one registered schedule (spec §4.H "A job has {id, cron,
// description, work}").
type Job struct {
	ID          string
	Description string
	Schedule    *Schedule
	LockName    string
	OnMissed    config.OnMissed
	Enabled     bool
	Work        Work

	mu        sync.Mutex
	running   bool
	lastRunAt uint64
	lastErr   string
	nextFire  time.Time
}

// Scheduler runs registered Jobs against a single shared pool, acquiring
// a named database advisory lock per job execution (spec §4.H
// "Single-node guarantee").
type Scheduler struct {
	pool    *dbpool.Pool
	log     *logging.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	jobs map[string]*Job

	tickInterval time.Duration
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New constructs a Scheduler. tickInterval controls how often the
// background loop re-evaluates every job's schedule (a second-resolution
// grammar calls for a tickInterval no coarser than 1s).
func New(pool *dbpool.Pool, tickInterval time.Duration, log *logging.Logger, m *metrics.Metrics) *Scheduler {
	if log == nil {
		log = logging.Nop()
	}
	if m == nil {
		m = metrics.Disabled()
	}
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	return &Scheduler{pool: pool, log: log, metrics: m, jobs: make(map[string]*Job), tickInterval: tickInterval}
}

// Register adds job to the scheduler. The lock name must pass
// config.ValidLockName (spec §5: lock names are validated, never
// string-interpolated).
func (s *Scheduler) Register(j *Job) error {
	if !config.ValidLockName(j.LockName) {
		return fmt.Errorf("scheduler: invalid lock name %q for job %q", j.LockName, j.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j.nextFire = j.Schedule.Next(mincore.NowTime())
	s.jobs[j.ID] = j
	return nil
}

// Start begins the background tick loop. If onMissed is
// runAtNextStartup for a job, one catch-up fire is enqueued immediately.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.mu.Lock()
	for _, j := range s.jobs {
		if j.Enabled && j.OnMissed == config.OnMissedRunAtNextStartup {
			jj := j
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.execute(ctx, jj)
			}()
		}
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the tick loop and waits for any in-flight executions to
// return (spec §5 shutdown: "scheduler stops accepting new fires and
// cancels pending schedules").
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context) {
	now := mincore.NowTime()
	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if !j.Enabled {
			continue
		}
		if !now.Before(j.nextFire) {
			due = append(due, j)
			j.nextFire = j.Schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		jj := j
		j.mu.Lock()
		alreadyRunning := j.running
		j.mu.Unlock()
		if alreadyRunning {
			// A scheduled fire landing while running or queued is
			// dropped, no build-up (spec §4.H job lifecycle).
			s.metrics.SchedulerSkip(j.ID, "running")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(ctx, jj)
		}()
	}
}

// execute acquires the job's advisory lock (non-blocking) and runs its
// body, releasing the lock on every exit path (spec §4.H).
func (s *Scheduler) execute(ctx context.Context, j *Job) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		s.metrics.SchedulerSkip(j.ID, "running")
		return
	}
	j.running = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.running = false
		j.lastRunAt = mincore.Now()
		j.mu.Unlock()
	}()

	held, release, err := s.tryAdvisoryLock(ctx, j.LockName)
	if err != nil {
		s.recordFailure(j, err)
		return
	}
	if !held {
		s.metrics.SchedulerSkip(j.ID, "lock_unavailable")
		return
	}
	defer release()

	if err := j.Work(ctx); err != nil {
		s.recordFailure(j, err)
		return
	}
	s.metrics.SchedulerRun(j.ID, true)
	j.mu.Lock()
	j.lastErr = ""
	j.mu.Unlock()
}

func (s *Scheduler) recordFailure(j *Job, err error) {
	s.metrics.SchedulerRun(j.ID, false)
	j.mu.Lock()
	j.lastErr = err.Error()
	j.mu.Unlock()
	s.log.ErrorCoded("scheduler.job."+j.ID, string(mincore.CodeOf(err)), err.Error(), "", "")
}

// tryAdvisoryLock acquires MariaDB's GET_LOCK non-blocking (timeout=0),
// bound as a parameter per spec §5 ("Lock names ... are bound as
// parameters, never string-interpolated"). The returned release func
// calls RELEASE_LOCK on the same session connection.
func (s *Scheduler) tryAdvisoryLock(ctx context.Context, name string) (held bool, release func(), err error) {
	conn, err := s.pool.DB().Conn(ctx)
	if err != nil {
		return false, nil, mincore.ClassifySQLError("scheduler.lock", err)
	}

	var acquired sql.NullInt64
	row := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 0)`, name)
	if err := row.Scan(&acquired); err != nil {
		conn.Close()
		return false, nil, mincore.ClassifySQLError("scheduler.lock", err)
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		conn.Close()
		return false, nil, nil
	}

	return true, func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT RELEASE_LOCK(?)`, name)
		conn.Close()
	}, nil
}

// List returns a snapshot of every registered job (spec §6 jobs.list).
func (s *Scheduler) List() []mincore.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mincore.JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		out = append(out, mincore.JobStatus{
			ID: j.ID, Description: j.Description, Enabled: j.Enabled,
			Running: j.running, LastRunAt: j.lastRunAt, LastError: j.lastErr,
		})
		j.mu.Unlock()
	}
	return out
}

// Run manually triggers job name (spec §6 jobs.run). If the job is
// already running it returns InProgress without starting another
// execution (spec §8 scenario 5).
func (s *Scheduler) Run(name string) (RunResult, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return RunUnknown, nil
	}
	if !j.Enabled {
		return RunDisabled, nil
	}

	j.mu.Lock()
	running := j.running
	j.mu.Unlock()
	if running {
		return RunInProgress, nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(context.Background(), j)
	}()
	return RunQueued, nil
}
