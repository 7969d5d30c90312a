// Package imagecache implements the image variant materializer: singleflight
// coordination of duplicate downloads, bounded concurrency, write-once
// publication of the resulting files, and cache-state reconciliation against
// a metadata table.
package imagecache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MediaImageKind classifies an image slot on a media record.
type MediaImageKind string

const (
	KindPoster    MediaImageKind = "poster"
	KindBackdrop  MediaImageKind = "backdrop"
	KindThumbnail MediaImageKind = "thumbnail"
	KindLogo      MediaImageKind = "logo"
	KindCast      MediaImageKind = "cast"
)

// CanonicalSize is a named TMDB-style target width, used both as the
// requested variant string and to look up a pixel width hint.
type CanonicalSize string

const (
	SizePosterW342  CanonicalSize = "w342"
	SizeStillW300   CanonicalSize = "w300"
	SizeProfileW185 CanonicalSize = "w185"
	SizeOriginal    CanonicalSize = "original"
)

// WidthHint extracts the numeric part of a TMDB-style size ("w500" -> 500);
// "original" maps to 10000, wider than every numbered size.
func WidthHint(variant string) (int, bool) {
	if variant == string(SizeOriginal) {
		return 10000, true
	}
	if len(variant) > 1 && variant[0] == 'w' {
		var n int
		if _, err := fmt.Sscanf(variant[1:], "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

// ImageRecord is the identity row for a source image, keyed by its
// upstream path and deduplicated by content hash once bytes are fetched.
type ImageRecord struct {
	ID         uuid.UUID
	SourcePath string
	FileHash   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Variant is one materialized size of an ImageRecord, persisted on disk
// under the canonical cache path.
type Variant struct {
	ImageID   uuid.UUID
	Variant   string
	FilePath  string
	Width     int
	Height    int
	Format    string
	CreatedAt time.Time
}

// VariantKey identifies a cache entry slot: one image type/order_index on
// one media record, at one variant size.
type VariantKey struct {
	MediaType  string
	MediaID    uuid.UUID
	ImageType  MediaImageKind
	OrderIndex int
	Variant    string
}

// CacheEntry is the per-(media, image_type, index, variant) cache-state
// row cross-referenced against the image and variant tables.
type CacheEntry struct {
	Key         VariantKey
	RequestedAt time.Time
	CachedAt    *time.Time
	Cached      bool
	Width       int
	Height      int
	ContentHash string
	ThemeColor  string
}

// inFlightKey is the singleflight coordination key: one image, one variant.
type inFlightKey struct {
	ImageID uuid.UUID
	Variant string
}
