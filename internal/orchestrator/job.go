// Package orchestrator implements the durable, multi-tenant, priority-aware
// work queue that coordinates library maintenance jobs across a fleet of
// worker processes backed by a shared relational store.
package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// JobKind identifies which worker pool a job belongs to.
type JobKind string

const (
	JobKindFolderScan     JobKind = "FolderScan"
	JobKindMediaAnalyze   JobKind = "MediaAnalyze"
	JobKindMetadataEnrich JobKind = "MetadataEnrich"
	JobKindIndexUpsert    JobKind = "IndexUpsert"
	JobKindImageFetch     JobKind = "ImageFetch"
)

// AllJobKinds enumerates every known kind, used to zero-fill instrumentation
// snapshots even when a kind currently has no rows.
var AllJobKinds = []JobKind{
	JobKindFolderScan,
	JobKindMediaAnalyze,
	JobKindMetadataEnrich,
	JobKindIndexUpsert,
	JobKindImageFetch,
}

// Priority orders jobs within a kind. P0 is highest: numeric ordering is the
// comparison (P0 < P1 < P2 < P3).
type Priority int16

const (
	PriorityP0 Priority = 0
	PriorityP1 Priority = 1
	PriorityP2 Priority = 2
	PriorityP3 Priority = 3
)

// ParsePriority maps a stored numeric priority back to the enum, surfacing
// unknown values as an internal error rather than silently clamping them.
func ParsePriority(v int16) (Priority, error) {
	switch Priority(v) {
	case PriorityP0, PriorityP1, PriorityP2, PriorityP3:
		return Priority(v), nil
	default:
		return 0, Internalf("unknown priority value %d", v)
	}
}

// State is the lifecycle state of a job row.
type State string

const (
	StateReady      State = "ready"
	StateLeased     State = "leased"
	StateDeferred   State = "deferred"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDeadLetter State = "dead_letter"
)

// ScanReason explains why a scan/analyze job was enqueued; the retry policy
// inspects it to decide whether a retry qualifies for the fast-retry
// multiplier.
type ScanReason string

const (
	ScanReasonUserRequested ScanReason = "UserRequested"
	ScanReasonHotChange     ScanReason = "HotChange"
	ScanReasonPeriodic      ScanReason = "Periodic"
	ScanReasonDependency    ScanReason = "Dependency"
)

// Job is the durably persisted unit of work.
type Job struct {
	ID              uuid.UUID
	LibraryID       uuid.UUID
	Kind            JobKind
	Payload         Payload
	Priority        Priority
	State           State
	Attempts        int
	AvailableAt     time.Time
	LeaseOwner      string
	LeaseID         uuid.UUID
	LeaseExpiresAt  *time.Time
	DedupeKey       string
	DependencyKey   string
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasLease reports whether the job currently carries a valid lease triple:
// state=leased iff lease fields are all non-null.
func (j *Job) HasLease() bool {
	return j.State == StateLeased && j.LeaseOwner != "" && j.LeaseID != uuid.Nil && j.LeaseExpiresAt != nil
}
