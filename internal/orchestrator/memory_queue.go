package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process QueueService used by tests and by callers
// that do not need durability across restarts. It implements the same
// selection discipline, dedupe-merge, and retry semantics as the
// Postgres-backed queue so behavioral tests can run without a database.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*Job
	retry  RetryConfig
	nowFn  func() time.Time
}

// NewMemoryQueue constructs an empty in-memory queue with the given retry
// policy.
func NewMemoryQueue(retry RetryConfig) *MemoryQueue {
	return &MemoryQueue{
		jobs:  make(map[uuid.UUID]*Job),
		retry: retry,
		nowFn: time.Now,
	}
}

func (q *MemoryQueue) now() time.Time {
	if q.nowFn != nil {
		return q.nowFn()
	}
	return time.Now()
}

// findActiveByDedupeKey returns the oldest active (ready|deferred|leased) job
// sharing dedupeKey, matching the ORDER BY created_at ASC LIMIT 1 fast-path
// lookup in the Postgres implementation.
func (q *MemoryQueue) findActiveByDedupeKey(dedupeKey string) *Job {
	var best *Job
	for _, j := range q.jobs {
		if j.DedupeKey != dedupeKey {
			continue
		}
		if j.State != StateReady && j.State != StateDeferred && j.State != StateLeased {
			continue
		}
		if best == nil || j.CreatedAt.Before(best.CreatedAt) {
			best = j
		}
	}
	return best
}

func (q *MemoryQueue) Enqueue(ctx context.Context, req EnqueueRequest) (JobHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(req)
}

func (q *MemoryQueue) enqueueLocked(req EnqueueRequest) (JobHandle, error) {
	dedupeKey := req.Payload.DedupeKey()

	if existing := q.findActiveByDedupeKey(dedupeKey); existing != nil {
		q.elevatePriorityLocked(existing, req.Priority)
		return JobHandle{JobID: existing.ID, Kind: HandleMerged}, nil
	}

	now := q.now()
	state := StateReady
	if req.DependencyKey != "" {
		state = StateDeferred
	}
	job := &Job{
		ID:            uuid.New(),
		LibraryID:     req.Payload.LibraryID(),
		Kind:          req.Payload.Kind(),
		Payload:       req.Payload,
		Priority:      req.Priority,
		State:         state,
		Attempts:      0,
		AvailableAt:   now,
		DedupeKey:     dedupeKey,
		DependencyKey: req.DependencyKey,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	q.jobs[job.ID] = job
	return JobHandle{JobID: job.ID, Kind: HandleAccepted}, nil
}

// elevatePriorityLocked raises an existing active job's priority if the
// incoming priority is strictly higher, never demotes, and never touches a
// leased row.
func (q *MemoryQueue) elevatePriorityLocked(existing *Job, incoming Priority) {
	if existing.State == StateLeased {
		return
	}
	if incoming < existing.Priority {
		existing.Priority = incoming
		now := q.now()
		if now.Before(existing.AvailableAt) {
			existing.AvailableAt = now
		}
		existing.UpdatedAt = now
	}
}

func (q *MemoryQueue) EnqueueMany(ctx context.Context, reqs []EnqueueRequest) ([]JobHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	handles := make([]JobHandle, len(reqs))
	for i, req := range reqs {
		h, err := q.enqueueLocked(req)
		if err != nil {
			return nil, err
		}
		handles[i] = h
	}
	return handles, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, req DequeueRequest) (*Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	candidates := make([]*Job, 0)
	for _, j := range q.jobs {
		if j.State != StateReady || j.Kind != req.Kind {
			continue
		}
		if j.AvailableAt.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}

	var picked *Job
	if req.Selector != nil {
		// Prefer same-library-same-priority; fall back to any ready job of
		// the requested kind.
		narrowed := make([]*Job, 0, len(candidates))
		for _, j := range candidates {
			if j.LibraryID == req.Selector.LibraryID && j.Priority == req.Selector.Priority {
				narrowed = append(narrowed, j)
			}
		}
		if len(narrowed) > 0 {
			picked = pickBest(narrowed)
		} else {
			picked = pickBest(candidates)
		}
	} else {
		picked = pickBest(candidates)
	}

	if picked == nil {
		return nil, nil
	}

	leaseID := uuid.New()
	expiresAt := now.Add(req.LeaseTTL)
	picked.State = StateLeased
	picked.LeaseOwner = req.WorkerID
	picked.LeaseID = leaseID
	picked.LeaseExpiresAt = &expiresAt
	picked.UpdatedAt = now

	jobCopy := *picked
	return &Lease{
		LeaseID:    leaseID,
		Job:        jobCopy,
		LeaseOwner: req.WorkerID,
		ExpiresAt:  expiresAt,
		Renewals:   0,
	}, nil
}

// pickBest implements the (priority ASC, available_at ASC, attempts ASC,
// created_at ASC) dequeue ordering.
func pickBest(candidates []*Job) *Job {
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.AvailableAt.Equal(b.AvailableAt) {
			return a.AvailableAt.Before(b.AvailableAt)
		}
		if a.Attempts != b.Attempts {
			return a.Attempts < b.Attempts
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return candidates[0]
}

func (q *MemoryQueue) findByLeaseID(leaseID uuid.UUID) *Job {
	for _, j := range q.jobs {
		if j.LeaseID == leaseID {
			return j
		}
	}
	return nil
}

func (q *MemoryQueue) Renew(ctx context.Context, renewal LeaseRenewal) (Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	job := q.findByLeaseID(renewal.LeaseID)
	if job == nil || job.State != StateLeased || job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.After(now) {
		return Lease{}, ErrNotFound
	}

	newExpiry := job.LeaseExpiresAt.Add(renewal.ExtendBy)
	job.LeaseExpiresAt = &newExpiry
	job.UpdatedAt = now

	return Lease{
		LeaseID:    job.LeaseID,
		Job:        *job,
		LeaseOwner: job.LeaseOwner,
		ExpiresAt:  newExpiry,
	}, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, leaseID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := q.findByLeaseID(leaseID)
	if job == nil || job.State != StateLeased {
		return nil // idempotent: no-op if not leased
	}
	job.State = StateCompleted
	job.LeaseOwner = ""
	job.LeaseID = uuid.Nil
	job.LeaseExpiresAt = nil
	job.UpdatedAt = q.now()
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, leaseID uuid.UUID, retryable bool, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := q.findByLeaseID(leaseID)
	if job == nil {
		return nil // sweep may already have recovered it
	}

	attemptsBefore := job.Attempts
	attemptNext := attemptsBefore + 1
	pressure := q.libraryUnderPressureLocked(job.LibraryID, job.ID, attemptNext)

	now := q.now()
	if retryable && attemptsBefore < q.retry.MaxAttempts {
		delay := q.retry.DelayMs(attemptNext, job.Payload, pressure, job.ID)
		job.Attempts = attemptNext
		job.State = StateReady
		job.LeaseOwner = ""
		job.LeaseID = uuid.Nil
		job.LeaseExpiresAt = nil
		job.LastError = errMsg
		job.AvailableAt = now.Add(time.Duration(delay) * time.Millisecond)
		job.UpdatedAt = now
		return nil
	}

	if retryable {
		job.State = StateDeadLetter
	} else {
		job.State = StateFailed
	}
	job.LeaseOwner = ""
	job.LeaseID = uuid.Nil
	job.LeaseExpiresAt = nil
	job.LastError = errMsg
	job.UpdatedAt = now
	return nil
}

// libraryUnderPressureLocked implements the library backpressure rule:
// true when attempt_next >= threshold, or some other job in the same
// library already has attempts >= threshold and is ready|leased.
func (q *MemoryQueue) libraryUnderPressureLocked(libraryID, excludeJobID uuid.UUID, attemptNext int) bool {
	if q.retry.HeavyLibraryAttemptThreshold <= 0 {
		return false
	}
	if attemptNext >= q.retry.HeavyLibraryAttemptThreshold {
		return true
	}
	for _, j := range q.jobs {
		if j.ID == excludeJobID || j.LibraryID != libraryID {
			continue
		}
		if j.Attempts >= q.retry.HeavyLibraryAttemptThreshold && (j.State == StateReady || j.State == StateLeased) {
			return true
		}
	}
	return false
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, leaseID uuid.UUID, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := q.findByLeaseID(leaseID)
	if job == nil {
		return nil
	}
	job.State = StateDeadLetter
	job.LeaseOwner = ""
	job.LeaseID = uuid.Nil
	job.LeaseExpiresAt = nil
	job.LastError = errMsg
	job.UpdatedAt = q.now()
	return nil
}

func (q *MemoryQueue) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil
	}
	if job.State == StateReady || job.State == StateDeferred {
		delete(q.jobs, jobID)
	}
	return nil
}

func (q *MemoryQueue) QueueDepth(ctx context.Context, kind JobKind) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, j := range q.jobs {
		if j.Kind == kind && j.State == StateReady {
			count++
		}
	}
	return count, nil
}

func (q *MemoryQueue) ReadyCountsGrouped(ctx context.Context) ([]ReadyQueueCount, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	type key struct {
		kind      JobKind
		libraryID uuid.UUID
		priority  Priority
	}
	grouped := make(map[key]int)
	for _, j := range q.jobs {
		if j.State != StateReady {
			continue
		}
		grouped[key{j.Kind, j.LibraryID, j.Priority}]++
	}

	out := make([]ReadyQueueCount, 0, len(grouped))
	for k, count := range grouped {
		out = append(out, ReadyQueueCount{
			Kind:      k.kind,
			LibraryID: k.libraryID,
			Priority:  k.priority,
			Ready:     count,
		})
	}
	return out, nil
}

func (q *MemoryQueue) ReleaseDependency(ctx context.Context, libraryID uuid.UUID, dependencyKey string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	count := 0
	for _, j := range q.jobs {
		if j.LibraryID != libraryID || j.DependencyKey != dependencyKey || j.State != StateDeferred {
			continue
		}
		j.State = StateReady
		j.DependencyKey = ""
		j.AvailableAt = now
		j.UpdatedAt = now
		count++
	}
	return count, nil
}

// ScanExpiredLeases implements LeaseExpiryScanner.
func (q *MemoryQueue) ScanExpiredLeases(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	resurrected := 0
	for _, job := range q.jobs {
		if job.State != StateLeased || job.LeaseExpiresAt == nil || job.LeaseExpiresAt.After(now) {
			continue
		}

		attemptsBefore := job.Attempts
		if attemptsBefore < q.retry.MaxAttempts {
			attemptNext := attemptsBefore + 1
			pressure := q.libraryUnderPressureLocked(job.LibraryID, job.ID, attemptNext)
			delay := q.retry.DelayMs(attemptNext, job.Payload, pressure, job.ID)

			job.Attempts = attemptNext
			job.State = StateReady
			job.LeaseOwner = ""
			job.LeaseID = uuid.Nil
			job.LeaseExpiresAt = nil
			job.AvailableAt = now.Add(time.Duration(delay) * time.Millisecond)
			if job.LastError == "" {
				job.LastError = "lease expired"
			}
			job.UpdatedAt = now
			resurrected++
		} else {
			job.State = StateDeadLetter
			job.LeaseOwner = ""
			job.LeaseID = uuid.Nil
			job.LeaseExpiresAt = nil
			if job.LastError == "" {
				job.LastError = "lease expired (max attempts)"
			}
			job.UpdatedAt = now
		}
	}
	return resurrected, nil
}

// Snapshot implements QueueInstrumentation.
func (q *MemoryQueue) Snapshot(ctx context.Context) (QueueSnapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := zeroFilledSnapshot()
	for _, j := range q.jobs {
		byState, ok := snap.Counts[j.Kind]
		if !ok {
			continue
		}
		byState[j.State]++
	}
	return snap, nil
}

var (
	_ QueueService         = (*MemoryQueue)(nil)
	_ LeaseExpiryScanner   = (*MemoryQueue)(nil)
	_ QueueInstrumentation = (*MemoryQueue)(nil)
)
