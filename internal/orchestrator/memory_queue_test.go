package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:                  3,
		BackoffBaseMs:                1000,
		BackoffMaxMs:                 60000,
		FastRetryAttempts:            2,
		FastRetryFactor:              0.25,
		HeavyLibraryAttemptThreshold: 4,
		HeavyLibrarySlowdownFactor:   2.0,
		JitterRatio:                  0.2,
		JitterMinMs:                  50,
	}
}

func TestMemoryQueue_Enqueue_MergesOnDedupeKey(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())
	lib := uuid.New()

	payload := FolderScanPayload{Library: lib, FolderPath: "/movies", Reason: ScanReasonPeriodic}

	h1, err := q.Enqueue(ctx, EnqueueRequest{Payload: payload, Priority: PriorityP2})
	require.NoError(t, err)
	assert.Equal(t, HandleAccepted, h1.Kind)

	h2, err := q.Enqueue(ctx, EnqueueRequest{Payload: payload, Priority: PriorityP2})
	require.NoError(t, err)
	assert.Equal(t, HandleMerged, h2.Kind)
	assert.Equal(t, h1.JobID, h2.JobID, "second enqueue with identical dedupe key must coalesce")

	assert.Len(t, q.jobs, 1, "at most one active row per dedupe_key")
}

func TestMemoryQueue_Enqueue_ElevatesButNeverDemotesPriority(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())
	lib := uuid.New()
	payload := FolderScanPayload{Library: lib, FolderPath: "/movies", Reason: ScanReasonPeriodic}

	h1, err := q.Enqueue(ctx, EnqueueRequest{Payload: payload, Priority: PriorityP2})
	require.NoError(t, err)

	// Higher urgency (lower numeric value) should elevate.
	_, err = q.Enqueue(ctx, EnqueueRequest{Payload: payload, Priority: PriorityP0})
	require.NoError(t, err)
	assert.Equal(t, PriorityP0, q.jobs[h1.JobID].Priority)

	// Lower urgency must never demote back down.
	_, err = q.Enqueue(ctx, EnqueueRequest{Payload: payload, Priority: PriorityP3})
	require.NoError(t, err)
	assert.Equal(t, PriorityP0, q.jobs[h1.JobID].Priority, "priority must never be demoted by a later lower-urgency enqueue")
}

func TestMemoryQueue_Enqueue_LeasedRowIsNotMutatedByMerge(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())
	lib := uuid.New()
	payload := FolderScanPayload{Library: lib, FolderPath: "/movies", Reason: ScanReasonPeriodic}

	_, err := q.Enqueue(ctx, EnqueueRequest{Payload: payload, Priority: PriorityP2})
	require.NoError(t, err)

	lease, err := q.Dequeue(ctx, DequeueRequest{Kind: JobKindFolderScan, LeaseTTL: time.Minute, WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, lease)

	// Re-enqueueing the identical logical work while it's leased must not be
	// visible to findActiveByDedupeKey as a distinct row, and priority must
	// not be touched on a leased job.
	h2, err := q.Enqueue(ctx, EnqueueRequest{Payload: payload, Priority: PriorityP0})
	require.NoError(t, err)
	assert.Equal(t, HandleMerged, h2.Kind)
	assert.Equal(t, PriorityP2, q.jobs[lease.Job.ID].Priority, "leased jobs are never mutated by a merge")
}

func TestMemoryQueue_Dequeue_NeverReturnsNotYetAvailable(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())
	lib := uuid.New()

	future := FolderScanPayload{Library: lib, FolderPath: "/later", Reason: ScanReasonPeriodic}
	_, err := q.Enqueue(ctx, EnqueueRequest{Payload: future, Priority: PriorityP1})
	require.NoError(t, err)

	// Force the job's availability into the future directly (simulating a
	// retry backoff) and confirm dequeue skips it.
	for _, j := range q.jobs {
		j.AvailableAt = time.Now().Add(time.Hour)
	}

	lease, err := q.Dequeue(ctx, DequeueRequest{Kind: JobKindFolderScan, LeaseTTL: time.Minute, WorkerID: "w1"})
	require.NoError(t, err)
	assert.Nil(t, lease, "dequeue must never return a job whose available_at is in the future")
}

func TestMemoryQueue_Dequeue_OrdersByPriorityThenAvailableAt(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())
	lib := uuid.New()

	low, err := q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: lib, FolderPath: "/low", Reason: ScanReasonPeriodic},
		Priority: PriorityP3,
	})
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: lib, FolderPath: "/high", Reason: ScanReasonPeriodic},
		Priority: PriorityP0,
	})
	require.NoError(t, err)

	lease, err := q.Dequeue(ctx, DequeueRequest{Kind: JobKindFolderScan, LeaseTTL: time.Minute, WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, high.JobID, lease.Job.ID, "higher-priority job (lower numeric value) must be picked first")
	assert.NotEqual(t, low.JobID, lease.Job.ID)
}

func TestMemoryQueue_Dequeue_SelectorFallsBackWhenNarrowEmpty(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())
	libA := uuid.New()
	libB := uuid.New()

	wanted, err := q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: libB, FolderPath: "/b", Reason: ScanReasonPeriodic},
		Priority: PriorityP1,
	})
	require.NoError(t, err)

	lease, err := q.Dequeue(ctx, DequeueRequest{
		Kind:     JobKindFolderScan,
		Selector: &Selector{LibraryID: libA, Priority: PriorityP1},
		LeaseTTL: time.Minute,
		WorkerID: "w1",
	})
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, wanted.JobID, lease.Job.ID, "empty narrow selection must fall back to any ready job of the kind")
}

func TestMemoryQueue_HasLease_InvariantHoldsAcrossLifecycle(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())
	lib := uuid.New()

	_, err := q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: lib, FolderPath: "/x", Reason: ScanReasonPeriodic},
		Priority: PriorityP1,
	})
	require.NoError(t, err)

	for _, j := range q.jobs {
		assert.False(t, j.HasLease(), "ready job must not report a lease")
	}

	lease, err := q.Dequeue(ctx, DequeueRequest{Kind: JobKindFolderScan, LeaseTTL: time.Minute, WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, lease)
	job := q.jobs[lease.Job.ID]
	assert.True(t, job.HasLease(), "leased job must report a lease with all three fields populated")

	require.NoError(t, q.Complete(ctx, lease.LeaseID))
	assert.False(t, job.HasLease(), "completed job must not report a lease")
	assert.Equal(t, StateCompleted, job.State)
}

func TestMemoryQueue_Complete_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())
	lib := uuid.New()

	_, err := q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: lib, FolderPath: "/x", Reason: ScanReasonPeriodic},
		Priority: PriorityP1,
	})
	require.NoError(t, err)
	lease, err := q.Dequeue(ctx, DequeueRequest{Kind: JobKindFolderScan, LeaseTTL: time.Minute, WorkerID: "w1"})
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, lease.LeaseID))
	require.NoError(t, q.Complete(ctx, lease.LeaseID), "completing an already-completed lease must be a no-op, not an error")
	assert.Equal(t, StateCompleted, q.jobs[lease.Job.ID].State)
}

func TestMemoryQueue_Fail_RetryableReschedulesWithBackoff(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())
	lib := uuid.New()

	_, err := q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: lib, FolderPath: "/x", Reason: ScanReasonPeriodic},
		Priority: PriorityP1,
	})
	require.NoError(t, err)
	lease, err := q.Dequeue(ctx, DequeueRequest{Kind: JobKindFolderScan, LeaseTTL: time.Minute, WorkerID: "w1"})
	require.NoError(t, err)

	before := time.Now()
	require.NoError(t, q.Fail(ctx, lease.LeaseID, true, "transient io error"))

	job := q.jobs[lease.Job.ID]
	assert.Equal(t, StateReady, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.True(t, job.AvailableAt.After(before), "retryable failure must push available_at into the future")
	assert.Nil(t, job.LeaseExpiresAt)
	assert.Equal(t, uuid.Nil, job.LeaseID)
}

func TestMemoryQueue_Fail_ExhaustsIntoDeadLetter(t *testing.T) {
	ctx := context.Background()
	cfg := testRetryConfig()
	cfg.MaxAttempts = 1
	q := NewMemoryQueue(cfg)
	lib := uuid.New()

	_, err := q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: lib, FolderPath: "/x", Reason: ScanReasonPeriodic},
		Priority: PriorityP1,
	})
	require.NoError(t, err)
	lease, err := q.Dequeue(ctx, DequeueRequest{Kind: JobKindFolderScan, LeaseTTL: time.Minute, WorkerID: "w1"})
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, lease.LeaseID, true, "still failing"))
	job := q.jobs[lease.Job.ID]
	assert.Equal(t, StateDeadLetter, job.State, "retryable failure past max_attempts must dead-letter, never reactivate")
}

func TestMemoryQueue_Fail_NonRetryableGoesStraightToFailed(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())
	lib := uuid.New()

	_, err := q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: lib, FolderPath: "/x", Reason: ScanReasonPeriodic},
		Priority: PriorityP1,
	})
	require.NoError(t, err)
	lease, err := q.Dequeue(ctx, DequeueRequest{Kind: JobKindFolderScan, LeaseTTL: time.Minute, WorkerID: "w1"})
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, lease.LeaseID, false, "payload is malformed, retrying would not help"))
	job := q.jobs[lease.Job.ID]
	assert.Equal(t, StateFailed, job.State)
}

func TestMemoryQueue_TerminalStatesNeverReactivate(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())
	lib := uuid.New()

	_, err := q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: lib, FolderPath: "/x", Reason: ScanReasonPeriodic},
		Priority: PriorityP1,
	})
	require.NoError(t, err)
	lease, err := q.Dequeue(ctx, DequeueRequest{Kind: JobKindFolderScan, LeaseTTL: time.Minute, WorkerID: "w1"})
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, lease.LeaseID))

	// A completed job must never again be handed out by dequeue, even though
	// its dedupe key is still set.
	again, err := q.Dequeue(ctx, DequeueRequest{Kind: JobKindFolderScan, LeaseTTL: time.Minute, WorkerID: "w2"})
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestMemoryQueue_ScanExpiredLeases_ResurrectsWithinBudget(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())
	lib := uuid.New()

	_, err := q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: lib, FolderPath: "/x", Reason: ScanReasonPeriodic},
		Priority: PriorityP1,
	})
	require.NoError(t, err)
	lease, err := q.Dequeue(ctx, DequeueRequest{Kind: JobKindFolderScan, LeaseTTL: time.Millisecond, WorkerID: "w1"})
	require.NoError(t, err)

	// force the lease into the past
	expired := time.Now().Add(-time.Second)
	q.jobs[lease.Job.ID].LeaseExpiresAt = &expired

	n, err := q.ScanExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job := q.jobs[lease.Job.ID]
	assert.Equal(t, StateReady, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.False(t, job.HasLease())
}

func TestMemoryQueue_ScanExpiredLeases_DeadLettersPastMaxAttempts(t *testing.T) {
	ctx := context.Background()
	cfg := testRetryConfig()
	cfg.MaxAttempts = 0
	q := NewMemoryQueue(cfg)
	lib := uuid.New()

	_, err := q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: lib, FolderPath: "/x", Reason: ScanReasonPeriodic},
		Priority: PriorityP1,
	})
	require.NoError(t, err)
	lease, err := q.Dequeue(ctx, DequeueRequest{Kind: JobKindFolderScan, LeaseTTL: time.Millisecond, WorkerID: "w1"})
	require.NoError(t, err)

	expired := time.Now().Add(-time.Second)
	q.jobs[lease.Job.ID].LeaseExpiresAt = &expired

	n, err := q.ScanExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "resurrection count only includes jobs put back to ready")
	assert.Equal(t, StateDeadLetter, q.jobs[lease.Job.ID].State)
}

func TestMemoryQueue_ReleaseDependency_MovesDeferredToReady(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())
	lib := uuid.New()

	h, err := q.Enqueue(ctx, EnqueueRequest{
		Payload:       IndexUpsertPayload{Library: lib, MediaID: uuid.New()},
		Priority:      PriorityP2,
		DependencyKey: "analyze-complete",
	})
	require.NoError(t, err)
	assert.Equal(t, StateDeferred, q.jobs[h.JobID].State)

	n, err := q.ReleaseDependency(ctx, lib, "analyze-complete")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StateReady, q.jobs[h.JobID].State)
	assert.Empty(t, q.jobs[h.JobID].DependencyKey)
}

func TestMemoryQueue_CancelJob_OnlyRemovesNonLeased(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())
	lib := uuid.New()

	h, err := q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: lib, FolderPath: "/x", Reason: ScanReasonPeriodic},
		Priority: PriorityP1,
	})
	require.NoError(t, err)
	require.NoError(t, q.CancelJob(ctx, h.JobID))
	_, stillThere := q.jobs[h.JobID]
	assert.False(t, stillThere)

	h2, err := q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: lib, FolderPath: "/y", Reason: ScanReasonPeriodic},
		Priority: PriorityP1,
	})
	require.NoError(t, err)
	lease, err := q.Dequeue(ctx, DequeueRequest{Kind: JobKindFolderScan, LeaseTTL: time.Minute, WorkerID: "w1"})
	require.NoError(t, err)
	require.NoError(t, q.CancelJob(ctx, lease.Job.ID))
	_, stillLeased := q.jobs[h2.JobID]
	assert.True(t, stillLeased, "a leased job must not be cancellable out from under its worker")
}

func TestMemoryQueue_Snapshot_ZeroFillsEveryKnownKind(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())

	snap, err := q.Snapshot(ctx)
	require.NoError(t, err)
	for _, kind := range AllJobKinds {
		byState, ok := snap.Counts[kind]
		require.True(t, ok, "every known kind must appear even when empty")
		assert.Equal(t, int64(0), byState[StateReady])
	}
}

func TestMemoryQueue_ReadyCountsGrouped_GroupsByKindLibraryPriority(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())
	libA := uuid.New()
	libB := uuid.New()

	_, err := q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: libA, FolderPath: "/a1", Reason: ScanReasonPeriodic},
		Priority: PriorityP1,
	})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: libA, FolderPath: "/a2", Reason: ScanReasonPeriodic},
		Priority: PriorityP1,
	})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: libB, FolderPath: "/b1", Reason: ScanReasonPeriodic},
		Priority: PriorityP2,
	})
	require.NoError(t, err)

	rows, err := q.ReadyCountsGrouped(ctx)
	require.NoError(t, err)

	totalA := 0
	for _, r := range rows {
		if r.LibraryID == libA && r.Priority == PriorityP1 {
			totalA = r.Ready
		}
	}
	assert.Equal(t, 2, totalA)
}

func TestMemoryQueue_Renew_RejectsUnknownOrExpiredLease(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(testRetryConfig())

	_, err := q.Renew(ctx, LeaseRenewal{LeaseID: uuid.New(), ExtendBy: time.Minute})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = q.Enqueue(ctx, EnqueueRequest{
		Payload:  FolderScanPayload{Library: uuid.New(), FolderPath: "/x", Reason: ScanReasonPeriodic},
		Priority: PriorityP1,
	})
	require.NoError(t, err)
	lease, err := q.Dequeue(ctx, DequeueRequest{Kind: JobKindFolderScan, LeaseTTL: time.Minute, WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, lease)
	expired := time.Now().Add(-time.Second)
	q.jobs[lease.Job.ID].LeaseExpiresAt = &expired

	_, err = q.Renew(ctx, LeaseRenewal{LeaseID: lease.LeaseID, ExtendBy: time.Minute})
	assert.ErrorIs(t, err, ErrNotFound)
}
