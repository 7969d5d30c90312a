package imagecache

import (
	"bytes"
	"context"
	"image"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/bimg"
	"go.uber.org/zap"

	"server/internal/utils/memory"
)

// Fetcher retrieves the raw bytes of a source image over HTTP. Split out
// as an interface so tests can substitute a fake that never touches the
// network.
type Fetcher interface {
	Fetch(ctx context.Context, sourcePath string) (data []byte, err error)
}

// httpFetcher is the production Fetcher: a plain HTTP GET with
// Accept-Encoding: identity so Content-Length assertions stay honest.
type httpFetcher struct {
	client  *http.Client
	baseURL string
}

// NewHTTPFetcher builds a Fetcher that resolves sourcePath against baseURL.
func NewHTTPFetcher(client *http.Client, baseURL string) Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpFetcher{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (f *httpFetcher) Fetch(ctx context.Context, sourcePath string) ([]byte, error) {
	url := f.baseURL + "/" + strings.TrimLeft(sourcePath, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, ioErrorf("build fetch request: %v", err)
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, ioErrorf("fetch %s: %v", sourcePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ioErrorf("fetch %s: unexpected status %d", sourcePath, resp.StatusCode)
	}
	return readAllChecked(resp.Body, resp.ContentLength)
}

// Semaphore bounds concurrent materializations. Its capacity is whatever
// NewSemaphore is given; the image cache config defaults that to 12.
type Semaphore chan struct{}

// NewSemaphore builds a semaphore with the given capacity. A non-positive
// capacity falls back to a memory-aware default.
func NewSemaphore(capacity int) Semaphore {
	if capacity <= 0 {
		capacity = memory.DefaultMaterializerConcurrency()
	}
	return make(Semaphore, capacity)
}

func (s Semaphore) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s Semaphore) release() { <-s }

// Materializer implements the Image Variant Materializer.
type Materializer struct {
	store     Store
	fetcher   Fetcher
	cacheRoot string
	sem       Semaphore
	sf        *singleflightGroup
	log       *zap.Logger
}

// MaterializerConfig configures a Materializer.
type MaterializerConfig struct {
	CacheRoot      string
	MaxConcurrency int
}

// NewMaterializer constructs a Materializer bound to store and fetcher.
func NewMaterializer(store Store, fetcher Fetcher, cfg MaterializerConfig, logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{
		store:     store,
		fetcher:   fetcher,
		cacheRoot: cfg.CacheRoot,
		sem:       NewSemaphore(cfg.MaxConcurrency),
		sf:        newSingleflightGroup(),
		log:       logger,
	}
}

// Register upserts the identity row for sourcePath, returning the existing
// record if one is already known.
func (m *Materializer) Register(ctx context.Context, sourcePath string) (ImageRecord, error) {
	if existing, ok, err := m.store.FindImageBySourcePath(ctx, sourcePath); err != nil {
		return ImageRecord{}, internalf("register: find by source path: %v", err)
	} else if ok {
		return existing, nil
	}
	rec, err := m.store.UpsertImage(ctx, sourcePath)
	if err != nil {
		return ImageRecord{}, internalf("register: upsert: %v", err)
	}
	return rec, nil
}

// canonicalVariantDir returns <cacheRoot>/images/<folder>/<variant>/.
func (m *Materializer) canonicalVariantDir(kind MediaImageKind, variant string) string {
	return filepath.Join(m.cacheRoot, "images", imageFolder(kind), variant)
}

// underCanonicalPath reports whether path lives directly under the
// canonical directory for (kind, variant); legacy paths are treated as
// missing.
func (m *Materializer) underCanonicalPath(path string, kind MediaImageKind, variant string) bool {
	dir := m.canonicalVariantDir(kind, variant)
	return filepath.Dir(path) == dir
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DownloadVariant materializes one variant of sourcePath at size, honoring
// the write-once guard, existing-variant reuse, atomic publish, and
// content-hash dedup steps in sequence.
func (m *Materializer) DownloadVariant(ctx context.Context, sourcePath string, size CanonicalSize, key *VariantKey) (string, error) {
	rec, err := m.Register(ctx, sourcePath)
	if err != nil {
		return "", err
	}

	path, err, _ := m.sf.do(inFlightKey{ImageID: rec.ID, Variant: string(size)}, func() (string, error) {
		return m.downloadVariantLocked(ctx, rec, string(size), key)
	})
	return path, err
}

func (m *Materializer) downloadVariantLocked(ctx context.Context, rec ImageRecord, variant string, key *VariantKey) (string, error) {
	kind := MediaImageKind("")
	if key != nil {
		kind = key.ImageType
	}

	// Step 1: write-once guard.
	if key != nil {
		entry, ok, err := m.store.GetCacheEntry(ctx, *key)
		if err != nil {
			return "", internalf("get cache entry: %v", err)
		}
		if ok && entry.Cached {
			variantRow, vok, err := m.store.FindVariant(ctx, rec.ID, variant)
			if err == nil && vok && fileExists(variantRow.FilePath) {
				return variantRow.FilePath, nil
			}
			if err := m.store.InvalidateCacheEntry(ctx, *key); err != nil {
				return "", internalf("auto-invalidate stale cache entry: %v", err)
			}
		}
	}

	// Step 2: existing-variant reuse.
	if existingVariant, ok, err := m.store.FindVariant(ctx, rec.ID, variant); err != nil {
		return "", internalf("find variant: %v", err)
	} else if ok && fileExists(existingVariant.FilePath) && m.underCanonicalPath(existingVariant.FilePath, kind, variant) {
		if err := m.reconcileCacheHit(ctx, rec, existingVariant, key); err != nil {
			return "", err
		}
		return existingVariant.FilePath, nil
	}

	if err := m.sem.acquire(ctx); err != nil {
		return "", internalf("acquire materializer semaphore: %v", err)
	}
	defer m.sem.release()

	// Step 3: download.
	data, err := m.fetcher.Fetch(ctx, rec.SourcePath)
	if err != nil {
		return "", err
	}

	// Step 6: dedup on content hash, before we commit to a final path under
	// this image's own id.
	hash := contentHash(data)
	if owner, ok, err := m.store.FindImageByContentHash(ctx, hash); err != nil {
		return "", internalf("find image by content hash: %v", err)
	} else if ok && owner.ID != rec.ID {
		return m.attachToExistingOwner(ctx, owner, variant, key, data, hash)
	}

	return m.publishVariant(ctx, rec, variant, key, data, hash)
}

// attachToExistingOwner consolidates a freshly downloaded duplicate onto
// the record that already owns this content hash.
func (m *Materializer) attachToExistingOwner(ctx context.Context, owner ImageRecord, variant string, key *VariantKey, data []byte, hash string) (string, error) {
	if existing, ok, err := m.store.FindVariant(ctx, owner.ID, variant); err == nil && ok && fileExists(existing.FilePath) {
		if key != nil {
			if err := m.markCached(ctx, *key, existing, ""); err != nil {
				return "", err
			}
		}
		return existing.FilePath, nil
	}
	return m.publishVariant(ctx, owner, variant, key, data, hash)
}

// publishVariant runs the atomic-publish + metadata-extraction + persist
// sequence for a brand-new or newly-attached
// variant file.
func (m *Materializer) publishVariant(ctx context.Context, rec ImageRecord, variant string, key *VariantKey, data []byte, hash string) (string, error) {
	kind := MediaImageKind("")
	folder := "other"
	if key != nil {
		kind = key.ImageType
		folder = imageFolder(kind)
	}

	filename := buildVariantFilename(rec.SourcePath, variant, folder, key)
	finalPath := filepath.Join(m.canonicalVariantDir(kind, variant), filename)

	if err := publishAtomic(finalPath, data); err != nil {
		return "", err
	}

	width, height := decodeDimensions(data)
	themeColor := ""
	if shouldExtractThemeColor(key, variant) {
		if c, ok := extractThemeColor(data); ok {
			themeColor = c
		}
	}

	if err := m.store.SetImageContentHash(ctx, rec.ID, hash); err != nil {
		return "", internalf("set content hash: %v", err)
	}

	v := Variant{
		ImageID:   rec.ID,
		Variant:   variant,
		FilePath:  finalPath,
		Width:     width,
		Height:    height,
		Format:    detectFormat(data),
		CreatedAt: time.Now(),
	}
	if err := m.store.UpsertVariant(ctx, v); err != nil {
		return "", internalf("upsert variant: %v", err)
	}

	if key != nil {
		now := time.Now()
		entry := CacheEntry{
			Key:         *key,
			CachedAt:    &now,
			Cached:      true,
			Width:       width,
			Height:      height,
			ContentHash: hash,
			ThemeColor:  themeColor,
		}
		if err := m.store.PutCacheEntry(ctx, entry); err != nil {
			return "", internalf("put cache entry: %v", err)
		}
		if themeColor != "" {
			if err := m.store.UpdateMediaThemeColor(ctx, key.MediaType, key.MediaID, themeColor); err != nil {
				return "", internalf("update media theme color: %v", err)
			}
		}
	}

	return finalPath, nil
}

// reconcileCacheHit marks an existing on-disk variant as the cache's
// answer for key, recomputing theme color when applicable.
func (m *Materializer) reconcileCacheHit(ctx context.Context, rec ImageRecord, v Variant, key *VariantKey) error {
	if key == nil {
		return nil
	}
	themeColor := ""
	if shouldExtractThemeColor(key, v.Variant) {
		if data, err := os.ReadFile(v.FilePath); err == nil {
			if c, ok := extractThemeColor(data); ok {
				themeColor = c
			}
		}
	}
	return m.markCached(ctx, *key, v, themeColor)
}

func (m *Materializer) markCached(ctx context.Context, key VariantKey, v Variant, themeColor string) error {
	now := time.Now()
	entry := CacheEntry{
		Key:       key,
		CachedAt:  &now,
		Cached:    true,
		Width:     v.Width,
		Height:    v.Height,
		ThemeColor: themeColor,
	}
	if err := m.store.PutCacheEntry(ctx, entry); err != nil {
		return internalf("put cache entry: %v", err)
	}
	if themeColor != "" {
		if err := m.store.UpdateMediaThemeColor(ctx, key.MediaType, key.MediaID, themeColor); err != nil {
			return internalf("update media theme color: %v", err)
		}
	}
	return nil
}

// decodeDimensions extracts (width, height) from encoded image bytes,
// tolerating undecodable data by returning zeroes rather than failing the
// whole publish (dimensions are best-effort metadata, not a hard gate).
// libvips reads dimensions straight off the header without decoding full
// pixel data, falling back to the stdlib decoders for formats bimg doesn't
// recognize (notably WebP, handled separately via the registered decoder).
func decodeDimensions(data []byte) (int, int) {
	if size, err := bimg.NewImage(data).Size(); err == nil && size.Width > 0 {
		return size.Width, size.Height
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// EnsureVariantResult is the outcome of EnsureVariantAsync.
type EnsureVariantResult struct {
	ImageID  uuid.UUID
	ReadyPath string
}

// EnsureVariantAsync implements the non-blocking ensure path: if the exact
// requested variant exists, return it immediately; otherwise kick off a
// background materialization of the canonical size for this image kind and
// return without a ready path.
func (m *Materializer) EnsureVariantAsync(ctx context.Context, sourcePath string, key VariantKey, requestedVariant string) (EnsureVariantResult, error) {
	rec, err := m.Register(ctx, sourcePath)
	if err != nil {
		return EnsureVariantResult{}, err
	}

	if v, ok, err := m.store.FindVariant(ctx, rec.ID, requestedVariant); err != nil {
		return EnsureVariantResult{}, internalf("find variant: %v", err)
	} else if ok && fileExists(v.FilePath) {
		return EnsureVariantResult{ImageID: rec.ID, ReadyPath: v.FilePath}, nil
	}

	size := canonicalSize(key.ImageType, requestedVariant)
	now := time.Now()
	if err := m.store.PutCacheEntry(ctx, CacheEntry{Key: key, RequestedAt: now, Cached: false}); err != nil {
		return EnsureVariantResult{}, internalf("record pending cache entry: %v", err)
	}

	go func() {
		bgCtx := context.Background()
		if _, err := m.DownloadVariant(bgCtx, sourcePath, size, &key); err != nil {
			m.log.Warn("background variant materialization failed",
				zap.String("source_path", sourcePath),
				zap.String("variant", string(size)),
				zap.Error(err))
		}
	}()

	return EnsureVariantResult{ImageID: rec.ID}, nil
}

// PickBestAvailable implements the fallback selector: among all existing
// variants of imageID, pick the one whose width is closest to and not
// greater than targetWidth; if none qualify, pick the smallest that
// exceeds it; if widths are unknown, pick any.
func (m *Materializer) PickBestAvailable(ctx context.Context, imageID uuid.UUID, variants []Variant, targetWidth int) (Variant, bool) {
	var bestUnder *Variant
	var bestOver *Variant
	var anyKnownWidth bool

	for i := range variants {
		v := variants[i]
		if v.Width <= 0 {
			continue
		}
		anyKnownWidth = true
		if v.Width <= targetWidth {
			if bestUnder == nil || v.Width > bestUnder.Width {
				bestUnder = &variants[i]
			}
		} else {
			if bestOver == nil || v.Width < bestOver.Width {
				bestOver = &variants[i]
			}
		}
	}

	if bestUnder != nil {
		return *bestUnder, true
	}
	if bestOver != nil {
		return *bestOver, true
	}
	if !anyKnownWidth && len(variants) > 0 {
		return variants[0], true
	}
	return Variant{}, false
}

// InvalidateVariant marks the cache entry uncached and removes the
// on-disk file.
func (m *Materializer) InvalidateVariant(ctx context.Context, key VariantKey, filePath string) error {
	if err := m.store.InvalidateCacheEntry(ctx, key); err != nil {
		return internalf("invalidate cache entry: %v", err)
	}
	if filePath != "" {
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return ioErrorf("remove invalidated file %s: %v", filePath, err)
		}
	}
	return nil
}

// InvalidateAllVariants marks every cache entry for (mediaType, mediaID)
// uncached and removes their backing files.
func (m *Materializer) InvalidateAllVariants(ctx context.Context, mediaType string, mediaID uuid.UUID, filePaths map[VariantKey]string) error {
	keys, err := m.store.InvalidateAllForMedia(ctx, mediaType, mediaID)
	if err != nil {
		return internalf("invalidate all for media: %v", err)
	}
	var firstErr error
	for _, k := range keys {
		if path, ok := filePaths[k]; ok && path != "" {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = ioErrorf("remove invalidated file %s: %v", path, err)
			}
		}
	}
	return firstErr
}

// Counts reports (leaders, waiters) seen by the singleflight group, for
// diagnostics.
func (m *Materializer) Counts() (int64, int64) {
	return m.sf.counts()
}
