package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// dedupeActiveConstraintName is the partial unique index Enqueue's insert
// can collide against under concurrent enqueues of the same dedupe key.
const dedupeActiveConstraintName = "uq_jobs_dedupe_active"

// IsDedupeViolation reports whether err is a 23505 unique-violation on
// uq_jobs_dedupe_active, the race InsertJob's caller recovers from by
// falling back to the merge path.
func IsDedupeViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == dedupeActiveConstraintName
}

// FindActiveByDedupeKey returns the oldest active (ready|deferred|leased)
// row sharing dedupeKey, or pgx.ErrNoRows if none exists. It is always
// called inside the same transaction as the following insert/update so the
// merge decision and its effect are atomic under the partial unique index
// uq_jobs_dedupe_active.
func (q *Queries) FindActiveByDedupeKey(ctx context.Context, tx pgx.Tx, dedupeKey string) (JobRow, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, library_id, kind, payload, priority, state, attempts,
		       available_at, lease_owner, lease_id, lease_expires_at,
		       dedupe_key, dependency_key, last_error, created_at, updated_at
		FROM orchestrator_jobs
		WHERE dedupe_key = $1 AND state IN ('ready', 'deferred', 'leased')
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE
	`, dedupeKey)
	return scanJobRow(row)
}

// ElevatePriority raises an existing row's priority if incoming is
// strictly higher urgency (lower numeric value) and the row isn't leased,
// never demoting.
func (q *Queries) ElevatePriority(ctx context.Context, tx pgx.Tx, id uuid.UUID, incoming int16, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE orchestrator_jobs
		SET priority = $2,
		    available_at = LEAST(available_at, $3),
		    updated_at = $3
		WHERE id = $1 AND state != 'leased' AND priority > $2
	`, id, incoming, now)
	if err != nil {
		return fmt.Errorf("elevate priority: %w", err)
	}
	return nil
}

// InsertJob inserts a new orchestrator_jobs row.
func (q *Queries) InsertJob(ctx context.Context, tx pgx.Tx, p EnqueueParams) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO orchestrator_jobs
			(id, library_id, kind, payload, priority, state, attempts,
			 available_at, dedupe_key, dependency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $7, $7)
	`, p.ID, p.LibraryID, p.Kind, p.Payload, p.Priority, p.State, p.AvailableAt, p.DedupeKey, p.DependencyKey)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// DequeueCandidate selects and row-locks the best-matching ready job of the
// given kind, honoring the (priority ASC, available_at ASC, attempts ASC,
// created_at ASC) ordering and FOR UPDATE SKIP LOCKED so concurrent workers
// never contend on the same row. It does not lease the row; LeaseJob does
// that in the same transaction.
func (q *Queries) DequeueCandidate(ctx context.Context, tx pgx.Tx, kind string, libraryID *uuid.UUID, priority *int16, now time.Time) (JobRow, error) {
	var row pgx.Row
	if libraryID != nil && priority != nil {
		row = tx.QueryRow(ctx, `
			SELECT id, library_id, kind, payload, priority, state, attempts,
			       available_at, lease_owner, lease_id, lease_expires_at,
			       dedupe_key, dependency_key, last_error, created_at, updated_at
			FROM orchestrator_jobs
			WHERE kind = $1 AND state = 'ready' AND available_at <= $2
			  AND library_id = $3 AND priority = $4
			ORDER BY priority ASC, available_at ASC, attempts ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, kind, now, *libraryID, *priority)
		jobRow, err := scanJobRow(row)
		if err == nil {
			return jobRow, nil
		}
		if err != pgx.ErrNoRows {
			return JobRow{}, err
		}
		// fall through to the unscoped query below
	}

	row = tx.QueryRow(ctx, `
		SELECT id, library_id, kind, payload, priority, state, attempts,
		       available_at, lease_owner, lease_id, lease_expires_at,
		       dedupe_key, dependency_key, last_error, created_at, updated_at
		FROM orchestrator_jobs
		WHERE kind = $1 AND state = 'ready' AND available_at <= $2
		ORDER BY priority ASC, available_at ASC, attempts ASC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, kind, now)
	return scanJobRow(row)
}

// LeaseJob stamps the lease triple on a dequeued row.
func (q *Queries) LeaseJob(ctx context.Context, tx pgx.Tx, id uuid.UUID, leaseID uuid.UUID, owner string, expiresAt time.Time, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE orchestrator_jobs
		SET state = 'leased', lease_owner = $2, lease_id = $3, lease_expires_at = $4, updated_at = $5
		WHERE id = $1
	`, id, owner, leaseID, expiresAt, now)
	if err != nil {
		return fmt.Errorf("lease job: %w", err)
	}
	return nil
}

// RenewLease extends an active, non-expired lease to newExpiresAt, computed
// by the caller (pgx has no wire codec for a bare time.Duration, so the new
// timestamp is computed in Go rather than added to the column via
// ::interval). Affected rows of 0 means the lease is gone or already
// expired.
func (q *Queries) RenewLease(ctx context.Context, tx pgx.Tx, leaseID uuid.UUID, newExpiresAt time.Time, now time.Time) (JobRow, error) {
	row := tx.QueryRow(ctx, `
		UPDATE orchestrator_jobs
		SET lease_expires_at = $2, updated_at = $3
		WHERE lease_id = $1 AND state = 'leased' AND lease_expires_at > $3
		RETURNING id, library_id, kind, payload, priority, state, attempts,
		          available_at, lease_owner, lease_id, lease_expires_at,
		          dedupe_key, dependency_key, last_error, created_at, updated_at
	`, leaseID, newExpiresAt, now)
	return scanJobRow(row)
}

// LoadLeasedJob locks and returns a leased row by lease id regardless of
// whether its lease has already expired, so a worker-reported failure is
// never dropped by the still-active-lease guard RenewLease applies — a
// failure can arrive just after the sweep would have reclaimed the lease.
func (q *Queries) LoadLeasedJob(ctx context.Context, tx pgx.Tx, leaseID uuid.UUID) (JobRow, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, library_id, kind, payload, priority, state, attempts,
		       available_at, lease_owner, lease_id, lease_expires_at,
		       dedupe_key, dependency_key, last_error, created_at, updated_at
		FROM orchestrator_jobs
		WHERE lease_id = $1 AND state = 'leased'
		FOR UPDATE
	`, leaseID)
	return scanJobRow(row)
}

// CompleteJob marks a leased job completed and clears its lease fields.
func (q *Queries) CompleteJob(ctx context.Context, tx pgx.Tx, leaseID uuid.UUID, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE orchestrator_jobs
		SET state = 'completed', lease_owner = NULL, lease_id = NULL, lease_expires_at = NULL, updated_at = $2
		WHERE lease_id = $1 AND state = 'leased'
	`, leaseID, now)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailRetryable reschedules a leased job for retry with the caller-computed
// delay already folded into availableAt.
func (q *Queries) FailRetryable(ctx context.Context, tx pgx.Tx, leaseID uuid.UUID, availableAt time.Time, errMsg string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE orchestrator_jobs
		SET state = 'ready', attempts = attempts + 1, available_at = $2,
		    lease_owner = NULL, lease_id = NULL, lease_expires_at = NULL,
		    last_error = $3, updated_at = $4
		WHERE lease_id = $1 AND state = 'leased'
	`, leaseID, availableAt, errMsg, now)
	if err != nil {
		return fmt.Errorf("fail retryable: %w", err)
	}
	return nil
}

// FailTerminal moves a leased job to a terminal state (failed or
// dead_letter) without incrementing attempts further.
func (q *Queries) FailTerminal(ctx context.Context, tx pgx.Tx, leaseID uuid.UUID, state string, errMsg string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE orchestrator_jobs
		SET state = $2, lease_owner = NULL, lease_id = NULL, lease_expires_at = NULL,
		    last_error = $3, updated_at = $4
		WHERE lease_id = $1
	`, leaseID, state, errMsg, now)
	if err != nil {
		return fmt.Errorf("fail terminal: %w", err)
	}
	return nil
}

// CancelJob deletes a non-leased job outright; leased jobs are left alone
// so a worker is never surprised out from under it.
func (q *Queries) CancelJob(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM orchestrator_jobs WHERE id = $1 AND state IN ('ready', 'deferred')
	`, id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

// QueueDepth counts ready rows of a kind.
func (q *Queries) QueueDepth(ctx context.Context, tx pgx.Tx, kind string) (int, error) {
	row := tx.QueryRow(ctx, `SELECT count(*) FROM orchestrator_jobs WHERE kind = $1 AND state = 'ready'`, kind)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// ReadyCountsGrouped aggregates ready rows by (kind, library_id, priority).
func (q *Queries) ReadyCountsGrouped(ctx context.Context, tx pgx.Tx) ([]ReadyCountRow, error) {
	rows, err := tx.Query(ctx, `
		SELECT kind, library_id, priority, count(*)
		FROM orchestrator_jobs
		WHERE state = 'ready'
		GROUP BY kind, library_id, priority
	`)
	if err != nil {
		return nil, fmt.Errorf("ready counts grouped: %w", err)
	}
	defer rows.Close()

	var out []ReadyCountRow
	for rows.Next() {
		var r ReadyCountRow
		if err := rows.Scan(&r.Kind, &r.LibraryID, &r.Priority, &r.Ready); err != nil {
			return nil, fmt.Errorf("scan ready count row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReleaseDependency flips every deferred row matching (libraryID,
// dependencyKey) to ready, returning the count affected.
func (q *Queries) ReleaseDependency(ctx context.Context, tx pgx.Tx, libraryID uuid.UUID, dependencyKey string, now time.Time) (int, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE orchestrator_jobs
		SET state = 'ready', dependency_key = NULL, available_at = $3, updated_at = $3
		WHERE library_id = $1 AND dependency_key = $2 AND state = 'deferred'
	`, libraryID, dependencyKey, now)
	if err != nil {
		return 0, fmt.Errorf("release dependency: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ExpiredLeases returns every leased row whose lease_expires_at has
// passed, locked FOR UPDATE so the sweep and a racing Renew can't both act
// on the same row.
func (q *Queries) ExpiredLeases(ctx context.Context, tx pgx.Tx, now time.Time) ([]JobRow, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, library_id, kind, payload, priority, state, attempts,
		       available_at, lease_owner, lease_id, lease_expires_at,
		       dedupe_key, dependency_key, last_error, created_at, updated_at
		FROM orchestrator_jobs
		WHERE state = 'leased' AND lease_expires_at <= $1
		FOR UPDATE SKIP LOCKED
	`, now)
	if err != nil {
		return nil, fmt.Errorf("expired leases: %w", err)
	}
	defer rows.Close()

	var out []JobRow
	for rows.Next() {
		r, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows, letting a single
// scan helper serve both QueryRow and Query call sites.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(s rowScanner) (JobRow, error) {
	var r JobRow
	err := s.Scan(
		&r.ID, &r.LibraryID, &r.Kind, &r.Payload, &r.Priority, &r.State, &r.Attempts,
		&r.AvailableAt, &r.LeaseOwner, &r.LeaseID, &r.LeaseExpiresAt,
		&r.DedupeKey, &r.DependencyKey, &r.LastError, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return JobRow{}, err
	}
	return r, nil
}
