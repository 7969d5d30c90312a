package imagecache

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence port the materializer uses for image identity,
// variants, and cache entries. The concrete implementation lives in
// imagecache/store (GORM-backed), kept behind this interface so the
// materializer's logic is testable against an in-memory fake.
type Store interface {
	// FindImageBySourcePath returns the identity row for sourcePath, or
	// ok=false if none exists.
	FindImageBySourcePath(ctx context.Context, sourcePath string) (ImageRecord, bool, error)
	// FindImageByContentHash supports the dedup-on-content-hash path.
	FindImageByContentHash(ctx context.Context, hash string) (ImageRecord, bool, error)
	// UpsertImage inserts a new identity row or returns the existing one.
	UpsertImage(ctx context.Context, sourcePath string) (ImageRecord, error)
	// SetImageContentHash persists the content hash once known.
	SetImageContentHash(ctx context.Context, imageID uuid.UUID, hash string) error

	// FindVariant looks up an existing (image_id, variant) row.
	FindVariant(ctx context.Context, imageID uuid.UUID, variant string) (Variant, bool, error)
	// UpsertVariant persists a materialized variant row.
	UpsertVariant(ctx context.Context, v Variant) error

	// GetCacheEntry looks up the cache-state row for key.
	GetCacheEntry(ctx context.Context, key VariantKey) (CacheEntry, bool, error)
	// PutCacheEntry upserts the cache-state row.
	PutCacheEntry(ctx context.Context, entry CacheEntry) error
	// InvalidateCacheEntry marks the entry uncached (auto-invalidation when
	// the on-disk file is missing, or explicit invalidate_variant).
	InvalidateCacheEntry(ctx context.Context, key VariantKey) error
	// InvalidateAllForMedia marks every cache entry for (mediaType,
	// mediaID) uncached, returning the affected keys so the caller can
	// remove their on-disk files.
	InvalidateAllForMedia(ctx context.Context, mediaType string, mediaID uuid.UUID) ([]VariantKey, error)

	// UpdateMediaThemeColor persists a derived theme color on the owning
	// media record.
	UpdateMediaThemeColor(ctx context.Context, mediaType string, mediaID uuid.UUID, themeColor string) error
}
