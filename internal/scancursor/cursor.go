// Package scancursor persists content-addressed folder listing fingerprints
// so incremental library scans can skip directories whose contents haven't
// changed since the last pass.
package scancursor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get when no cursor exists for the id.
var ErrNotFound = errors.New("scancursor: not found")

// ID identifies a cursor row by its composite key.
type ID struct {
	LibraryID uuid.UUID
	PathHash  string
}

// Cursor is a persisted fingerprint of one library folder's directory
// listing.
type Cursor struct {
	LibraryID      uuid.UUID
	PathHash       string
	FolderPathNorm string
	ListingHash    string
	EntryCount     int
	LastScanAt     time.Time
	LastModifiedAt time.Time
	DeviceID       string
}

// Store is the scan cursor CRUD surface.
type Store interface {
	Get(ctx context.Context, id ID) (Cursor, error)
	ListByLibrary(ctx context.Context, libraryID uuid.UUID) ([]Cursor, error)
	// Upsert replaces listing_hash, entry_count, last_scan_at,
	// last_modified_at, and device_id on conflict with (library_id,
	// path_hash); it never touches identity fields.
	Upsert(ctx context.Context, cursor Cursor) error
	DeleteByLibrary(ctx context.Context, libraryID uuid.UUID) (int, error)
	// ListStale returns cursors with last_scan_at < olderThan, ordered
	// ascending by last_scan_at.
	ListStale(ctx context.Context, libraryID uuid.UUID, olderThan time.Time) ([]Cursor, error)
}
