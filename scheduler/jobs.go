package scheduler

import (
	"context"

	"github.com/mincore-dev/mincore/config"
	"github.com/mincore-dev/mincore/idempotency"
)

// Exporter is the subset of the snapshot exporter (spec §4.I) the backup
// job needs. Defined here as an interface so package scheduler does not
// depend on package snapshot directly.
type Exporter interface {
	Export(ctx context.Context, outDir string, gzip bool) (path string, err error)
	Prune(outDir string, keepDays, keepMax int, exempt string) error
}

// NewBackupJob builds the built-in backup job (spec §4.H "Built-in
// jobs"): exports a snapshot, then prunes outDir by the configured
// retention.
func NewBackupJob(cfg config.BackupJob, exporter Exporter) (*Job, error) {
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:          "backup",
		Description: "Exports a JSONL snapshot and prunes old backups",
		Schedule:    sched,
		LockName:    "mincore:job:backup",
		OnMissed:    cfg.OnMissed,
		Enabled:     cfg.Enabled,
		Work: func(ctx context.Context) error {
			path, err := exporter.Export(ctx, cfg.OutDir, cfg.Gzip)
			if err != nil {
				return err
			}
			return exporter.Prune(cfg.OutDir, cfg.Prune.KeepDays, cfg.Prune.KeepMax, path)
		},
	}, nil
}

// NewIdempotencySweepJob builds the built-in idempotency sweep job (spec
// §4.H "Built-in jobs"): deletes expired core_requests rows in batches.
func NewIdempotencySweepJob(cfg config.IdempotencySweepJob, reg *idempotency.Registry) (*Job, error) {
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:          "idempotency-sweep",
		Description: "Deletes expired idempotency request rows",
		Schedule:    sched,
		LockName:    "mincore:job:idempotency-sweep",
		OnMissed:    config.OnMissedSkip,
		Enabled:     cfg.Enabled,
		Work: func(ctx context.Context) error {
			_, err := reg.Sweep(cfg.BatchLimit, cfg.RetentionDays)
			return err
		},
	}, nil
}
