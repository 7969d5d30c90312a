// Package store is the GORM-backed persistence layer for the image variant
// materializer's identity, variant, and cache-entry tables.
package store

import (
	"time"

	"github.com/google/uuid"
)

// ImageRow is the identity row for a source image, keyed by its upstream
// path and deduplicated by content hash once bytes are fetched.
type ImageRow struct {
	ImageID    uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"image_id"`
	SourcePath string    `gorm:"type:varchar(1024);not null;uniqueIndex" json:"source_path"`
	FileHash   string    `gorm:"type:varchar(64);index" json:"file_hash,omitempty"`
	CreatedAt  time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (ImageRow) TableName() string { return "cache_images" }

// VariantRow is one materialized size of an ImageRow, persisted on disk
// under the canonical cache path.
type VariantRow struct {
	VariantRowID int       `gorm:"column:variant_row_id;primaryKey;autoIncrement" json:"-"`
	ImageID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_image_variant" json:"image_id"`
	Variant      string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_image_variant" json:"variant"`
	FilePath     string    `gorm:"type:varchar(1024);not null" json:"file_path"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Format       string    `gorm:"type:varchar(10)" json:"format"`
	CreatedAt    time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (VariantRow) TableName() string { return "cache_image_variants" }

// CacheEntryRow is the per-(media, image_type, index, variant) cache-state
// row cross-referenced against the image and variant tables.
type CacheEntryRow struct {
	CacheEntryID int        `gorm:"column:cache_entry_id;primaryKey;autoIncrement" json:"-"`
	MediaType    string     `gorm:"type:varchar(30);not null;uniqueIndex:idx_cache_key" json:"media_type"`
	MediaID      uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_cache_key" json:"media_id"`
	ImageType    string     `gorm:"type:varchar(20);not null;uniqueIndex:idx_cache_key" json:"image_type"`
	OrderIndex   int        `gorm:"not null;default:0;uniqueIndex:idx_cache_key" json:"order_index"`
	Variant      string     `gorm:"type:varchar(20);not null;uniqueIndex:idx_cache_key" json:"variant"`
	RequestedAt  time.Time  `gorm:"default:CURRENT_TIMESTAMP" json:"requested_at"`
	CachedAt     *time.Time `json:"cached_at,omitempty"`
	Cached       bool       `gorm:"not null;default:false" json:"cached"`
	Width        int        `json:"width"`
	Height       int        `json:"height"`
	ContentHash  string     `gorm:"type:varchar(64)" json:"content_hash,omitempty"`
	ThemeColor   string     `gorm:"type:varchar(7)" json:"theme_color,omitempty"`
}

func (CacheEntryRow) TableName() string { return "cache_entries" }
