package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"server/internal/imagecache"
)

// gormStore is the GORM-backed implementation of imagecache.Store.
type gormStore struct {
	db *gorm.DB
}

// New builds an imagecache.Store backed by db.
func New(db *gorm.DB) imagecache.Store {
	return &gormStore{db: db}
}

// mediaThemeColorTables allow-lists which tables UpdateMediaThemeColor may
// write to, keyed by the media_type string carried on a VariantKey. Raw SQL
// table names can never be parameter-bound, so this lookup is the guard
// against an unexpected media_type reaching string concatenation.
var mediaThemeColorTables = map[string]string{
	"movie":   "movies",
	"series":  "series",
	"episode": "episodes",
	"season":  "seasons",
}

func (s *gormStore) FindImageBySourcePath(ctx context.Context, sourcePath string) (imagecache.ImageRecord, bool, error) {
	var row ImageRow
	err := s.db.WithContext(ctx).Where("source_path = ?", sourcePath).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return imagecache.ImageRecord{}, false, nil
	}
	if err != nil {
		return imagecache.ImageRecord{}, false, err
	}
	return toImageRecord(row), true, nil
}

func (s *gormStore) FindImageByContentHash(ctx context.Context, hash string) (imagecache.ImageRecord, bool, error) {
	var row ImageRow
	err := s.db.WithContext(ctx).Where("file_hash = ?", hash).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return imagecache.ImageRecord{}, false, nil
	}
	if err != nil {
		return imagecache.ImageRecord{}, false, err
	}
	return toImageRecord(row), true, nil
}

func (s *gormStore) UpsertImage(ctx context.Context, sourcePath string) (imagecache.ImageRecord, error) {
	row := ImageRow{ImageID: uuid.New(), SourcePath: sourcePath}
	err := s.db.WithContext(ctx).
		Where("source_path = ?", sourcePath).
		Attrs(ImageRow{ImageID: row.ImageID}).
		FirstOrCreate(&row).Error
	if err != nil {
		return imagecache.ImageRecord{}, err
	}
	return toImageRecord(row), nil
}

func (s *gormStore) SetImageContentHash(ctx context.Context, imageID uuid.UUID, hash string) error {
	return s.db.WithContext(ctx).
		Model(&ImageRow{}).
		Where("image_id = ?", imageID).
		Update("file_hash", hash).Error
}

func (s *gormStore) FindVariant(ctx context.Context, imageID uuid.UUID, variant string) (imagecache.Variant, bool, error) {
	var row VariantRow
	err := s.db.WithContext(ctx).
		Where("image_id = ? AND variant = ?", imageID, variant).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return imagecache.Variant{}, false, nil
	}
	if err != nil {
		return imagecache.Variant{}, false, err
	}
	return toVariant(row), true, nil
}

func (s *gormStore) UpsertVariant(ctx context.Context, v imagecache.Variant) error {
	row := VariantRow{
		ImageID:   v.ImageID,
		Variant:   v.Variant,
		FilePath:  v.FilePath,
		Width:     v.Width,
		Height:    v.Height,
		Format:    v.Format,
		CreatedAt: v.CreatedAt,
	}
	return s.db.WithContext(ctx).
		Where("image_id = ? AND variant = ?", v.ImageID, v.Variant).
		Assign(map[string]any{
			"file_path": row.FilePath,
			"width":     row.Width,
			"height":    row.Height,
			"format":    row.Format,
		}).
		FirstOrCreate(&row).Error
}

func (s *gormStore) GetCacheEntry(ctx context.Context, key imagecache.VariantKey) (imagecache.CacheEntry, bool, error) {
	var row CacheEntryRow
	err := s.db.WithContext(ctx).Where(cacheKeyWhere(key)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return imagecache.CacheEntry{}, false, nil
	}
	if err != nil {
		return imagecache.CacheEntry{}, false, err
	}
	return toCacheEntry(row), true, nil
}

func (s *gormStore) PutCacheEntry(ctx context.Context, entry imagecache.CacheEntry) error {
	requestedAt := entry.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now()
	}
	row := CacheEntryRow{
		MediaType:   entry.Key.MediaType,
		MediaID:     entry.Key.MediaID,
		ImageType:   string(entry.Key.ImageType),
		OrderIndex:  entry.Key.OrderIndex,
		Variant:     entry.Key.Variant,
		RequestedAt: requestedAt,
		CachedAt:    entry.CachedAt,
		Cached:      entry.Cached,
		Width:       entry.Width,
		Height:      entry.Height,
		ContentHash: entry.ContentHash,
		ThemeColor:  entry.ThemeColor,
	}
	return s.db.WithContext(ctx).
		Where(cacheKeyWhere(entry.Key)).
		Assign(map[string]any{
			"cached_at":    row.CachedAt,
			"cached":       row.Cached,
			"width":        row.Width,
			"height":       row.Height,
			"content_hash": row.ContentHash,
			"theme_color":  row.ThemeColor,
		}).
		FirstOrCreate(&row).Error
}

func (s *gormStore) InvalidateCacheEntry(ctx context.Context, key imagecache.VariantKey) error {
	return s.db.WithContext(ctx).
		Model(&CacheEntryRow{}).
		Where(cacheKeyWhere(key)).
		Update("cached", false).Error
}

func (s *gormStore) InvalidateAllForMedia(ctx context.Context, mediaType string, mediaID uuid.UUID) ([]imagecache.VariantKey, error) {
	var rows []CacheEntryRow
	err := s.db.WithContext(ctx).
		Where("media_type = ? AND media_id = ? AND cached = true", mediaType, mediaID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).
		Model(&CacheEntryRow{}).
		Where("media_type = ? AND media_id = ?", mediaType, mediaID).
		Update("cached", false).Error; err != nil {
		return nil, err
	}

	keys := make([]imagecache.VariantKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, imagecache.VariantKey{
			MediaType:  r.MediaType,
			MediaID:    r.MediaID,
			ImageType:  imagecache.MediaImageKind(r.ImageType),
			OrderIndex: r.OrderIndex,
			Variant:    r.Variant,
		})
	}
	return keys, nil
}

func (s *gormStore) UpdateMediaThemeColor(ctx context.Context, mediaType string, mediaID uuid.UUID, themeColor string) error {
	table, ok := mediaThemeColorTables[mediaType]
	if !ok {
		return fmt.Errorf("update media theme color: unknown media type %q", mediaType)
	}
	sql := fmt.Sprintf("UPDATE %s SET theme_color = ? WHERE id = ?", table)
	return s.db.WithContext(ctx).Exec(sql, themeColor, mediaID).Error
}

func cacheKeyWhere(key imagecache.VariantKey) map[string]any {
	return map[string]any{
		"media_type":  key.MediaType,
		"media_id":    key.MediaID,
		"image_type":  string(key.ImageType),
		"order_index": key.OrderIndex,
		"variant":     key.Variant,
	}
}

func toImageRecord(row ImageRow) imagecache.ImageRecord {
	return imagecache.ImageRecord{
		ID:         row.ImageID,
		SourcePath: row.SourcePath,
		FileHash:   row.FileHash,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}

func toVariant(row VariantRow) imagecache.Variant {
	return imagecache.Variant{
		ImageID:   row.ImageID,
		Variant:   row.Variant,
		FilePath:  row.FilePath,
		Width:     row.Width,
		Height:    row.Height,
		Format:    row.Format,
		CreatedAt: row.CreatedAt,
	}
}

func toCacheEntry(row CacheEntryRow) imagecache.CacheEntry {
	return imagecache.CacheEntry{
		Key: imagecache.VariantKey{
			MediaType:  row.MediaType,
			MediaID:    row.MediaID,
			ImageType:  imagecache.MediaImageKind(row.ImageType),
			OrderIndex: row.OrderIndex,
			Variant:    row.Variant,
		},
		RequestedAt: row.RequestedAt,
		CachedAt:    row.CachedAt,
		Cached:      row.Cached,
		Width:       row.Width,
		Height:      row.Height,
		ContentHash: row.ContentHash,
		ThemeColor:  row.ThemeColor,
	}
}

var _ imagecache.Store = (*gormStore)(nil)
