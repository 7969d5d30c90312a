// Package repo is the hand-written query layer over orchestrator_jobs and
// its supporting indexes, in the style of sqlc-generated code: Params
// structs in, row structs out, pgtype for nullable columns.
package repo

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// JobRow mirrors a row of orchestrator_jobs.
type JobRow struct {
	ID             uuid.UUID
	LibraryID      uuid.UUID
	Kind           string
	Payload        []byte
	Priority       int16
	State          string
	Attempts       int32
	AvailableAt    time.Time
	LeaseOwner     pgtype.Text
	LeaseID        pgtype.UUID
	LeaseExpiresAt pgtype.Timestamptz
	DedupeKey      string
	DependencyKey  pgtype.Text
	LastError      pgtype.Text
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EnqueueParams is the input to InsertJob.
type EnqueueParams struct {
	ID            uuid.UUID
	LibraryID     uuid.UUID
	Kind          string
	Payload       []byte
	Priority      int16
	State         string
	DedupeKey     string
	DependencyKey pgtype.Text
	AvailableAt   time.Time
}

// ReadyCountRow is one row of the ready_counts_grouped aggregation.
type ReadyCountRow struct {
	Kind      string
	LibraryID uuid.UUID
	Priority  int16
	Ready     int64
}
