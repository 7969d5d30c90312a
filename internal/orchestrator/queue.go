package orchestrator

import (
	"context"

	"github.com/google/uuid"
)

// EnqueueRequest is the input to QueueService.Enqueue.
type EnqueueRequest struct {
	Payload       Payload
	Priority      Priority
	DependencyKey string
}

// HandleKind distinguishes a freshly inserted job from one that coalesced
// into an existing active row.
type HandleKind string

const (
	HandleAccepted HandleKind = "accepted"
	HandleMerged   HandleKind = "merged"
)

// JobHandle is returned from Enqueue/EnqueueMany.
type JobHandle struct {
	JobID uuid.UUID
	Kind  HandleKind
}

// QueueSnapshot is a point-in-time count grouped by (kind, state); see
// QueueInstrumentation.
type QueueSnapshot struct {
	Counts map[JobKind]map[State]int64
}

// ReadyQueueCount is one row of the ready_counts_grouped aggregation used to
// prime an in-memory scheduler after cold start.
type ReadyQueueCount struct {
	Kind      JobKind
	LibraryID uuid.UUID
	Priority  Priority
	Ready     int
}

// QueueService is the durable multi-kind priority queue contract. Both an
// in-memory implementation (MemoryQueue, used in tests) and a Postgres-backed
// implementation (PostgresQueue) satisfy it.
type QueueService interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (JobHandle, error)
	EnqueueMany(ctx context.Context, reqs []EnqueueRequest) ([]JobHandle, error)
	Dequeue(ctx context.Context, req DequeueRequest) (*Lease, error)
	Renew(ctx context.Context, renewal LeaseRenewal) (Lease, error)
	Complete(ctx context.Context, leaseID uuid.UUID) error
	Fail(ctx context.Context, leaseID uuid.UUID, retryable bool, errMsg string) error
	DeadLetter(ctx context.Context, leaseID uuid.UUID, errMsg string) error
	CancelJob(ctx context.Context, jobID uuid.UUID) error
	QueueDepth(ctx context.Context, kind JobKind) (int, error)
	ReadyCountsGrouped(ctx context.Context) ([]ReadyQueueCount, error)
	ReleaseDependency(ctx context.Context, libraryID uuid.UUID, dependencyKey string) (int, error)
}

// LeaseExpiryScanner sweeps orphaned leases, resurrecting or dead-lettering
// them per the retry budget.
type LeaseExpiryScanner interface {
	ScanExpiredLeases(ctx context.Context) (int, error)
}

// QueueInstrumentation exposes a grouped snapshot for observability.
type QueueInstrumentation interface {
	Snapshot(ctx context.Context) (QueueSnapshot, error)
}

// zeroFilledSnapshot seeds every known kind/state pair with 0 so callers
// never have to nil-check a missing combination: every known kind appears
// (zero-filled) even when the table is empty.
func zeroFilledSnapshot() QueueSnapshot {
	counts := make(map[JobKind]map[State]int64, len(AllJobKinds))
	states := []State{StateReady, StateLeased, StateDeferred, StateCompleted, StateFailed, StateDeadLetter}
	for _, k := range AllJobKinds {
		byState := make(map[State]int64, len(states))
		for _, s := range states {
			byState[s] = 0
		}
		counts[k] = byState
	}
	return QueueSnapshot{Counts: counts}
}
