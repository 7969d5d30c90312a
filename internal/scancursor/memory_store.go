package scancursor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and by callers that
// don't need durability across restarts.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[ID]Cursor
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[ID]Cursor)}
}

func (s *MemoryStore) Get(ctx context.Context, id ID) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cursors[id]
	if !ok {
		return Cursor{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListByLibrary(ctx context.Context, libraryID uuid.UUID) ([]Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Cursor
	for _, c := range s.cursors {
		if c.LibraryID == libraryID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FolderPathNorm < out[j].FolderPathNorm })
	return out, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, cursor Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ID{LibraryID: cursor.LibraryID, PathHash: cursor.PathHash}
	existing, ok := s.cursors[id]
	if !ok {
		s.cursors[id] = cursor
		return nil
	}

	// Identity fields (library_id, path_hash, folder_path_norm) are never
	// touched by an upsert.
	existing.ListingHash = cursor.ListingHash
	existing.EntryCount = cursor.EntryCount
	existing.LastScanAt = cursor.LastScanAt
	existing.LastModifiedAt = cursor.LastModifiedAt
	existing.DeviceID = cursor.DeviceID
	s.cursors[id] = existing
	return nil
}

func (s *MemoryStore) DeleteByLibrary(ctx context.Context, libraryID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, c := range s.cursors {
		if c.LibraryID == libraryID {
			delete(s.cursors, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ListStale(ctx context.Context, libraryID uuid.UUID, olderThan time.Time) ([]Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Cursor
	for _, c := range s.cursors {
		if c.LibraryID == libraryID && c.LastScanAt.Before(olderThan) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastScanAt.Before(out[j].LastScanAt) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
