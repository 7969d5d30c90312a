package scancursor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_UpsertNeverTouchesIdentityFields(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	lib := uuid.New()

	first := Cursor{
		LibraryID:      lib,
		PathHash:       "abc123",
		FolderPathNorm: "/movies/action",
		ListingHash:    "h1",
		EntryCount:     3,
		LastScanAt:     time.Now().Add(-time.Hour),
		DeviceID:       "dev-1",
	}
	require.NoError(t, store.Upsert(ctx, first))

	second := Cursor{
		LibraryID:      lib,
		PathHash:       "abc123",
		FolderPathNorm: "SHOULD-NOT-OVERWRITE",
		ListingHash:    "h2",
		EntryCount:     5,
		LastScanAt:     time.Now(),
		DeviceID:       "dev-2",
	}
	require.NoError(t, store.Upsert(ctx, second))

	got, err := store.Get(ctx, ID{LibraryID: lib, PathHash: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, "/movies/action", got.FolderPathNorm, "identity field must survive an upsert")
	assert.Equal(t, "h2", got.ListingHash)
	assert.Equal(t, 5, got.EntryCount)
}

func TestMemoryStore_Get_NotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, ID{LibraryID: uuid.New(), PathHash: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListByLibrary_OrderedByFolderPath(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	lib := uuid.New()

	paths := []string{"/movies/z", "/movies/a", "/movies/m"}
	for _, p := range paths {
		require.NoError(t, store.Upsert(ctx, Cursor{
			LibraryID:      lib,
			PathHash:       PathHash(p),
			FolderPathNorm: p,
			LastScanAt:     time.Now(),
		}))
	}

	got, err := store.ListByLibrary(ctx, lib)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "/movies/a", got[0].FolderPathNorm)
	assert.Equal(t, "/movies/m", got[1].FolderPathNorm)
	assert.Equal(t, "/movies/z", got[2].FolderPathNorm)
}

func TestMemoryStore_ListStale_OrderedAscendingByLastScanAt(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	lib := uuid.New()
	now := time.Now()

	require.NoError(t, store.Upsert(ctx, Cursor{
		LibraryID: lib, PathHash: "p1", FolderPathNorm: "/p1", LastScanAt: now.Add(-10 * time.Hour),
	}))
	require.NoError(t, store.Upsert(ctx, Cursor{
		LibraryID: lib, PathHash: "p2", FolderPathNorm: "/p2", LastScanAt: now.Add(-1 * time.Hour),
	}))
	require.NoError(t, store.Upsert(ctx, Cursor{
		LibraryID: lib, PathHash: "p3", FolderPathNorm: "/p3", LastScanAt: now, // fresh, not stale
	}))

	stale, err := store.ListStale(ctx, lib, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "p1", stale[0].PathHash, "oldest last_scan_at must come first")
	assert.Equal(t, "p2", stale[1].PathHash)
}

func TestMemoryStore_DeleteByLibrary_ReturnsCount(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	libA := uuid.New()
	libB := uuid.New()

	require.NoError(t, store.Upsert(ctx, Cursor{LibraryID: libA, PathHash: "a1", LastScanAt: time.Now()}))
	require.NoError(t, store.Upsert(ctx, Cursor{LibraryID: libA, PathHash: "a2", LastScanAt: time.Now()}))
	require.NoError(t, store.Upsert(ctx, Cursor{LibraryID: libB, PathHash: "b1", LastScanAt: time.Now()}))

	n, err := store.DeleteByLibrary(ctx, libA)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := store.ListByLibrary(ctx, libB)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestListingHash_OrderIndependent(t *testing.T) {
	a := []Entry{{Name: "b.jpg", Signature: "1"}, {Name: "a.jpg", Signature: "2"}}
	b := []Entry{{Name: "a.jpg", Signature: "2"}, {Name: "b.jpg", Signature: "1"}}
	assert.Equal(t, ListingHash(a), ListingHash(b), "listing hash must not depend on iteration order")
}

func TestListingHash_ChangesWithContent(t *testing.T) {
	a := []Entry{{Name: "a.jpg", Signature: "1"}}
	b := []Entry{{Name: "a.jpg", Signature: "2"}}
	assert.NotEqual(t, ListingHash(a), ListingHash(b))
}
