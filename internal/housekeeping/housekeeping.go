// Package housekeeping runs the periodic ambient maintenance jobs that sit
// alongside the durable job orchestrator: sweeping expired leases back onto
// the queue and purging stale atomic-publish temp files. These are exactly
// the kind of generic, schedule-driven jobs River is good at — unlike the
// orchestrator_jobs table itself, which needs dedupe-merge-on-enqueue and
// priority elevation River's schema cannot express.
package housekeeping

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
)

// LeaseExpiryScanner is the subset of orchestrator.QueueService housekeeping
// needs; declared locally so this package does not import orchestrator just
// for one method signature.
type LeaseExpiryScanner interface {
	ScanExpiredLeases(ctx context.Context) (int, error)
}

// SweepArgs carries no data; sweep always operates on "now".
type SweepArgs struct{}

func (SweepArgs) Kind() string { return "lease_sweep" }

// CleanupTmpArgs identifies the cache root to scan for stale temp files.
type CleanupTmpArgs struct {
	CacheRoot string
	OlderThan time.Duration
}

func (CleanupTmpArgs) Kind() string { return "cleanup_tmp" }

type sweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	scanner LeaseExpiryScanner
}

func (w *sweepWorker) Work(ctx context.Context, job *river.Job[SweepArgs]) error {
	n, err := w.scanner.ScanExpiredLeases(ctx)
	if err != nil {
		return fmt.Errorf("lease sweep: %w", err)
	}
	if n > 0 {
		log.Printf("[lease-sweep] recovered %d expired lease(s)", n)
	}
	return nil
}

type cleanupTmpWorker struct {
	river.WorkerDefaults[CleanupTmpArgs]
}

// Work removes any "*.tmp.<uuid>" file under CacheRoot whose modification
// time is older than OlderThan — the residue of a process that crashed
// between the temp-write and hard-link steps of publishAtomic.
func (w *cleanupTmpWorker) Work(ctx context.Context, job *river.Job[CleanupTmpArgs]) error {
	root := job.Args.CacheRoot
	olderThan := job.Args.OlderThan
	if olderThan <= 0 {
		olderThan = time.Hour
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.Contains(d.Name(), ".tmp.") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cleanup tmp walk %s: %w", root, err)
	}
	if removed > 0 {
		log.Printf("[cleanup-tmp] removed %d stale temp file(s) under %s", removed, root)
	}
	return nil
}

// Runner owns the River client driving the two periodic jobs.
type Runner struct {
	client *river.Client[pgx.Tx]
}

// Config controls the periodic schedule and cleanup target.
type Config struct {
	SweepInterval   time.Duration
	CleanupInterval time.Duration
	CacheRoot       string
	TmpOlderThan    time.Duration
}

// NewRunner wires a River client with the sweep and cleanup_tmp workers
// registered on periodic schedules, matching the scheduling/worker shape of
// the original RiverQueue[T] wrapper but scoped to these two narrow jobs.
func NewRunner(pool *pgxpool.Pool, scanner LeaseExpiryScanner, cfg Config) (*Runner, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 15 * time.Minute
	}
	if cfg.TmpOlderThan <= 0 {
		cfg.TmpOlderThan = time.Hour
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &sweepWorker{scanner: scanner})
	river.AddWorker(workers, &cleanupTmpWorker{})

	riverCfg := &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
		},
		Workers: workers,
		PeriodicJobs: river.PeriodicJobs(
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.SweepInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return SweepArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.CleanupInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return CleanupTmpArgs{CacheRoot: cfg.CacheRoot, OlderThan: cfg.TmpOlderThan}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: false},
			),
		),
	}

	client, err := river.NewClient(riverpgxv5.New(pool), riverCfg)
	if err != nil {
		return nil, fmt.Errorf("new river client: %w", err)
	}
	return &Runner{client: client}, nil
}

// Start starts running the periodic jobs in the background and returns;
// they keep running until Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	return r.client.Start(ctx)
}

// Stop gracefully stops the River client.
func (r *Runner) Stop(ctx context.Context) error {
	return r.client.Stop(ctx)
}
