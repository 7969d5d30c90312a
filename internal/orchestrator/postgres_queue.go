package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/orchestrator/repo"
)

// PostgresQueue is the durable QueueService backed by orchestrator_jobs.
// It satisfies QueueService, LeaseExpiryScanner, and QueueInstrumentation
// the same as MemoryQueue, so callers can swap implementations without
// touching call sites.
type PostgresQueue struct {
	pool    *pgxpool.Pool
	queries *repo.Queries
	retry   RetryConfig
}

// NewPostgresQueue verifies the critical ready-dequeue index exists, then
// returns a queue ready to serve. Index absence is treated as a fatal
// startup error.
func NewPostgresQueue(ctx context.Context, pool *pgxpool.Pool, retry RetryConfig, fallbackSchemas ...string) (*PostgresQueue, error) {
	schemas := append([]string{"public"}, fallbackSchemas...)
	if err := repo.CheckReadyDequeueIndex(ctx, pool, schemas...); err != nil {
		return nil, fmt.Errorf("orchestrator startup check: %w", err)
	}
	return &PostgresQueue{pool: pool, queries: repo.New(pool), retry: retry}, nil
}

func (pq *PostgresQueue) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := pq.pool.Begin(ctx)
	if err != nil {
		return Internalf("begin tx: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return Internalf("commit tx: %v", err)
	}
	return nil
}

func (pq *PostgresQueue) Enqueue(ctx context.Context, req EnqueueRequest) (JobHandle, error) {
	var handle JobHandle
	err := pq.withTx(ctx, func(tx pgx.Tx) error {
		return pq.enqueueAttempt(ctx, tx, req, &handle, true)
	})
	return handle, err
}

// enqueueAttempt performs one insert-or-merge cycle. Two concurrent
// enqueues of the same dedupe key can both miss FindActiveByDedupeKey under
// READ COMMITTED (an empty FOR UPDATE takes no gap lock), so the loser's
// insert hits uq_jobs_dedupe_active. That insert runs inside a savepoint so
// the 23505 doesn't abort the whole transaction; on collision this re-runs
// the merge path against the winner's now-visible row, and if that row
// vanished too (already completed), retries the insert exactly once, per
// the documented recovery contract.
func (pq *PostgresQueue) enqueueAttempt(ctx context.Context, tx pgx.Tx, req EnqueueRequest, handle *JobHandle, retryOnCollision bool) error {
	dedupeKey := req.Payload.DedupeKey()

	existing, err := pq.queries.FindActiveByDedupeKey(ctx, tx, dedupeKey)
	if err == nil {
		if err := pq.queries.ElevatePriority(ctx, tx, existing.ID, int16(req.Priority), time.Now()); err != nil {
			return Internalf("elevate priority: %v", err)
		}
		*handle = JobHandle{JobID: existing.ID, Kind: HandleMerged}
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Internalf("find active by dedupe key: %v", err)
	}

	payloadBytes, err := EncodePayload(req.Payload)
	if err != nil {
		return Internalf("encode payload: %v", err)
	}

	now := time.Now()
	state := string(StateReady)
	var depKey pgtype.Text
	if req.DependencyKey != "" {
		state = string(StateDeferred)
		depKey = pgtype.Text{String: req.DependencyKey, Valid: true}
	}

	id := uuid.New()
	insertErr := pq.insertJobSavepoint(ctx, tx, repo.EnqueueParams{
		ID:            id,
		LibraryID:     req.Payload.LibraryID(),
		Kind:          string(req.Payload.Kind()),
		Payload:       payloadBytes,
		Priority:      int16(req.Priority),
		State:         state,
		DedupeKey:     dedupeKey,
		DependencyKey: depKey,
		AvailableAt:   now,
	})
	if insertErr == nil {
		*handle = JobHandle{JobID: id, Kind: HandleAccepted}
		return nil
	}
	if !repo.IsDedupeViolation(insertErr) || !retryOnCollision {
		return Internalf("insert job: %v", insertErr)
	}
	return pq.enqueueAttempt(ctx, tx, req, handle, false)
}

// insertJobSavepoint runs InsertJob inside a nested transaction (pgx
// implements Tx.Begin on an existing Tx as SAVEPOINT/RELEASE/ROLLBACK TO
// SAVEPOINT) so a unique-violation can be recovered from without aborting
// the whole enclosing transaction.
func (pq *PostgresQueue) insertJobSavepoint(ctx context.Context, tx pgx.Tx, params repo.EnqueueParams) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	if err := pq.queries.InsertJob(ctx, sp, params); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

func (pq *PostgresQueue) EnqueueMany(ctx context.Context, reqs []EnqueueRequest) ([]JobHandle, error) {
	handles := make([]JobHandle, len(reqs))
	for i, req := range reqs {
		h, err := pq.Enqueue(ctx, req)
		if err != nil {
			return nil, err
		}
		handles[i] = h
	}
	return handles, nil
}

func (pq *PostgresQueue) Dequeue(ctx context.Context, req DequeueRequest) (*Lease, error) {
	var lease *Lease
	err := pq.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now()
		var libraryID *uuid.UUID
		var priority *int16
		if req.Selector != nil {
			lid := req.Selector.LibraryID
			pr := int16(req.Selector.Priority)
			libraryID, priority = &lid, &pr
		}

		row, err := pq.queries.DequeueCandidate(ctx, tx, string(req.Kind), libraryID, priority, now)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return Internalf("dequeue candidate: %v", err)
		}

		leaseID := uuid.New()
		expiresAt := now.Add(req.LeaseTTL)
		if err := pq.queries.LeaseJob(ctx, tx, row.ID, leaseID, req.WorkerID, expiresAt, now); err != nil {
			return Internalf("lease job: %v", err)
		}

		job, err := jobFromRow(row)
		if err != nil {
			return err
		}
		job.State = StateLeased
		job.LeaseOwner = req.WorkerID
		job.LeaseID = leaseID
		job.LeaseExpiresAt = &expiresAt

		lease = &Lease{LeaseID: leaseID, Job: job, LeaseOwner: req.WorkerID, ExpiresAt: expiresAt}
		return nil
	})
	return lease, err
}

func (pq *PostgresQueue) Renew(ctx context.Context, renewal LeaseRenewal) (Lease, error) {
	var out Lease
	err := pq.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now()
		row, err := pq.queries.RenewLease(ctx, tx, renewal.LeaseID, now.Add(renewal.ExtendBy), now)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return Internalf("renew lease: %v", err)
		}
		job, err := jobFromRow(row)
		if err != nil {
			return err
		}
		out = Lease{LeaseID: renewal.LeaseID, Job: job, LeaseOwner: job.LeaseOwner, ExpiresAt: *job.LeaseExpiresAt}
		return nil
	})
	return out, err
}

func (pq *PostgresQueue) Complete(ctx context.Context, leaseID uuid.UUID) error {
	return pq.withTx(ctx, func(tx pgx.Tx) error {
		if err := pq.queries.CompleteJob(ctx, tx, leaseID, time.Now()); err != nil {
			return Internalf("complete job: %v", err)
		}
		return nil
	})
}

func (pq *PostgresQueue) Fail(ctx context.Context, leaseID uuid.UUID, retryable bool, errMsg string) error {
	return pq.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now()

		row, err := pq.queries.LoadLeasedJob(ctx, tx, leaseID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // already recovered by the lease sweep
		}
		if err != nil {
			return Internalf("load leased job: %v", err)
		}

		if retryable && int(row.Attempts) < pq.retry.MaxAttempts {
			payload, err := DecodePayload(row.Payload)
			if err != nil {
				return Internalf("decode payload: %v", err)
			}
			pressure, err := pq.libraryUnderPressure(ctx, tx, row.LibraryID, row.ID, int(row.Attempts)+1)
			if err != nil {
				return err
			}
			delayMs := pq.retry.DelayMs(int(row.Attempts)+1, payload, pressure, row.ID)
			availableAt := now.Add(time.Duration(delayMs) * time.Millisecond)
			if err := pq.queries.FailRetryable(ctx, tx, leaseID, availableAt, errMsg, now); err != nil {
				return Internalf("fail retryable: %v", err)
			}
			return nil
		}

		state := string(StateFailed)
		if retryable {
			state = string(StateDeadLetter)
		}
		if err := pq.queries.FailTerminal(ctx, tx, leaseID, state, errMsg, now); err != nil {
			return Internalf("fail terminal: %v", err)
		}
		return nil
	})
}

func (pq *PostgresQueue) libraryUnderPressure(ctx context.Context, tx pgx.Tx, libraryID uuid.UUID, excludeJobID uuid.UUID, attemptNext int) (bool, error) {
	if pq.retry.HeavyLibraryAttemptThreshold <= 0 {
		return false, nil
	}
	if attemptNext >= pq.retry.HeavyLibraryAttemptThreshold {
		return true, nil
	}
	row := tx.QueryRow(ctx, `
		SELECT count(*) FROM orchestrator_jobs
		WHERE library_id = $1 AND id != $2 AND attempts >= $3 AND state IN ('ready', 'leased')
	`, libraryID, excludeJobID, pq.retry.HeavyLibraryAttemptThreshold)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, Internalf("library pressure check: %v", err)
	}
	return n > 0, nil
}

func (pq *PostgresQueue) DeadLetter(ctx context.Context, leaseID uuid.UUID, errMsg string) error {
	return pq.withTx(ctx, func(tx pgx.Tx) error {
		if err := pq.queries.FailTerminal(ctx, tx, leaseID, string(StateDeadLetter), errMsg, time.Now()); err != nil {
			return Internalf("dead letter: %v", err)
		}
		return nil
	})
}

func (pq *PostgresQueue) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	return pq.withTx(ctx, func(tx pgx.Tx) error {
		if err := pq.queries.CancelJob(ctx, tx, jobID); err != nil {
			return Internalf("cancel job: %v", err)
		}
		return nil
	})
}

func (pq *PostgresQueue) QueueDepth(ctx context.Context, kind JobKind) (int, error) {
	var depth int
	err := pq.withTx(ctx, func(tx pgx.Tx) error {
		n, err := pq.queries.QueueDepth(ctx, tx, string(kind))
		if err != nil {
			return Internalf("queue depth: %v", err)
		}
		depth = n
		return nil
	})
	return depth, err
}

func (pq *PostgresQueue) ReadyCountsGrouped(ctx context.Context) ([]ReadyQueueCount, error) {
	var out []ReadyQueueCount
	err := pq.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := pq.queries.ReadyCountsGrouped(ctx, tx)
		if err != nil {
			return Internalf("ready counts grouped: %v", err)
		}
		for _, r := range rows {
			priority, perr := ParsePriority(r.Priority)
			if perr != nil {
				return perr
			}
			out = append(out, ReadyQueueCount{
				Kind:      JobKind(r.Kind),
				LibraryID: r.LibraryID,
				Priority:  priority,
				Ready:     int(r.Ready),
			})
		}
		return nil
	})
	return out, err
}

func (pq *PostgresQueue) ReleaseDependency(ctx context.Context, libraryID uuid.UUID, dependencyKey string) (int, error) {
	var count int
	err := pq.withTx(ctx, func(tx pgx.Tx) error {
		n, err := pq.queries.ReleaseDependency(ctx, tx, libraryID, dependencyKey, time.Now())
		if err != nil {
			return Internalf("release dependency: %v", err)
		}
		count = n
		return nil
	})
	return count, err
}

// ScanExpiredLeases implements LeaseExpiryScanner atop the same retry
// budget Fail uses, so a job that times out behaves identically to one
// whose worker explicitly reported a retryable failure.
func (pq *PostgresQueue) ScanExpiredLeases(ctx context.Context) (int, error) {
	resurrected := 0
	err := pq.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now()
		rows, err := pq.queries.ExpiredLeases(ctx, tx, now)
		if err != nil {
			return Internalf("expired leases: %v", err)
		}

		for _, row := range rows {
			if int(row.Attempts) < pq.retry.MaxAttempts {
				payload, err := DecodePayload(row.Payload)
				if err != nil {
					return Internalf("decode payload: %v", err)
				}
				pressure, err := pq.libraryUnderPressure(ctx, tx, row.LibraryID, row.ID, int(row.Attempts)+1)
				if err != nil {
					return err
				}
				delayMs := pq.retry.DelayMs(int(row.Attempts)+1, payload, pressure, row.ID)
				availableAt := now.Add(time.Duration(delayMs) * time.Millisecond)
				leaseMsg := "lease expired"
				if row.LastError.Valid {
					leaseMsg = row.LastError.String
				}
				if err := pq.queries.FailRetryable(ctx, tx, row.LeaseID.Bytes, availableAt, leaseMsg, now); err != nil {
					return Internalf("resurrect expired lease: %v", err)
				}
				resurrected++
			} else {
				leaseMsg := "lease expired (max attempts)"
				if row.LastError.Valid {
					leaseMsg = row.LastError.String
				}
				if err := pq.queries.FailTerminal(ctx, tx, row.LeaseID.Bytes, string(StateDeadLetter), leaseMsg, now); err != nil {
					return Internalf("dead letter expired lease: %v", err)
				}
			}
		}
		return nil
	})
	return resurrected, err
}

// Snapshot implements QueueInstrumentation, always returning every known
// kind zero-filled.
func (pq *PostgresQueue) Snapshot(ctx context.Context) (QueueSnapshot, error) {
	snap := zeroFilledSnapshot()
	err := pq.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT kind, state, count(*) FROM orchestrator_jobs GROUP BY kind, state
		`)
		if err != nil {
			return Internalf("snapshot query: %v", err)
		}
		defer rows.Close()

		for rows.Next() {
			var kind, state string
			var count int64
			if err := rows.Scan(&kind, &state, &count); err != nil {
				return Internalf("scan snapshot row: %v", err)
			}
			if byState, ok := snap.Counts[JobKind(kind)]; ok {
				byState[State(state)] = count
			}
		}
		return rows.Err()
	})
	return snap, err
}

func jobFromRow(row repo.JobRow) (Job, error) {
	payload, err := DecodePayload(row.Payload)
	if err != nil {
		return Job{}, Internalf("decode payload: %v", err)
	}
	priority, err := ParsePriority(row.Priority)
	if err != nil {
		return Job{}, err
	}

	job := Job{
		ID:          row.ID,
		LibraryID:   row.LibraryID,
		Kind:        JobKind(row.Kind),
		Payload:     payload,
		Priority:    priority,
		State:       State(row.State),
		Attempts:    int(row.Attempts),
		AvailableAt: row.AvailableAt,
		DedupeKey:   row.DedupeKey,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.LeaseOwner.Valid {
		job.LeaseOwner = row.LeaseOwner.String
	}
	if row.LeaseID.Valid {
		job.LeaseID = row.LeaseID.Bytes
	}
	if row.LeaseExpiresAt.Valid {
		t := row.LeaseExpiresAt.Time
		job.LeaseExpiresAt = &t
	}
	if row.DependencyKey.Valid {
		job.DependencyKey = row.DependencyKey.String
	}
	if row.LastError.Valid {
		job.LastError = row.LastError.String
	}
	return job, nil
}

var (
	_ QueueService         = (*PostgresQueue)(nil)
	_ LeaseExpiryScanner   = (*PostgresQueue)(nil)
	_ QueueInstrumentation = (*PostgresQueue)(nil)
)
