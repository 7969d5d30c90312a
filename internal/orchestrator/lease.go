package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// Selector narrows dequeue to a specific library+priority before falling
// back to any ready job of the requested kind.
type Selector struct {
	LibraryID uuid.UUID
	Priority  Priority
}

// DequeueRequest is the input to QueueService.Dequeue.
type DequeueRequest struct {
	Kind     JobKind
	Selector *Selector
	LeaseTTL time.Duration
	WorkerID string
}

// LeaseRenewal is the input to QueueService.Renew.
type LeaseRenewal struct {
	LeaseID  uuid.UUID
	ExtendBy time.Duration
}

// Lease is the ephemeral handle returned from Dequeue. The worker must call
// Renew before ExpiresAt or let the lease-expiry sweep reclaim the job.
type Lease struct {
	LeaseID    uuid.UUID
	Job        Job
	LeaseOwner string
	ExpiresAt  time.Time
	Renewals   int
}
