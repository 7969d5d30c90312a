package imagecache

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store for tests.
type fakeStore struct {
	mu           sync.Mutex
	bySourcePath map[string]ImageRecord
	byHash       map[string]uuid.UUID
	variants     map[uuid.UUID]map[string]Variant
	cache        map[VariantKey]CacheEntry
	themeColors  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bySourcePath: make(map[string]ImageRecord),
		byHash:       make(map[string]uuid.UUID),
		variants:     make(map[uuid.UUID]map[string]Variant),
		cache:        make(map[VariantKey]CacheEntry),
		themeColors:  make(map[string]string),
	}
}

func (s *fakeStore) FindImageBySourcePath(ctx context.Context, sourcePath string) (ImageRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.bySourcePath[sourcePath]
	return r, ok, nil
}

func (s *fakeStore) FindImageByContentHash(ctx context.Context, hash string) (ImageRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hash]
	if !ok {
		return ImageRecord{}, false, nil
	}
	for _, r := range s.bySourcePath {
		if r.ID == id {
			return r, true, nil
		}
	}
	return ImageRecord{}, false, nil
}

func (s *fakeStore) UpsertImage(ctx context.Context, sourcePath string) (ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.bySourcePath[sourcePath]; ok {
		return r, nil
	}
	r := ImageRecord{ID: uuid.New(), SourcePath: sourcePath, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	s.bySourcePath[sourcePath] = r
	return r, nil
}

func (s *fakeStore) SetImageContentHash(ctx context.Context, imageID uuid.UUID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[hash] = imageID
	for path, r := range s.bySourcePath {
		if r.ID == imageID {
			r.FileHash = hash
			s.bySourcePath[path] = r
		}
	}
	return nil
}

func (s *fakeStore) FindVariant(ctx context.Context, imageID uuid.UUID, variant string) (Variant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byVariant, ok := s.variants[imageID]
	if !ok {
		return Variant{}, false, nil
	}
	v, ok := byVariant[variant]
	return v, ok, nil
}

func (s *fakeStore) UpsertVariant(ctx context.Context, v Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.variants[v.ImageID] == nil {
		s.variants[v.ImageID] = make(map[string]Variant)
	}
	s.variants[v.ImageID][v.Variant] = v
	return nil
}

func (s *fakeStore) GetCacheEntry(ctx context.Context, key VariantKey) (CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	return e, ok, nil
}

func (s *fakeStore) PutCacheEntry(ctx context.Context, entry CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[entry.Key] = entry
	return nil
}

func (s *fakeStore) InvalidateCacheEntry(ctx context.Context, key VariantKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.cache[key]
	e.Cached = false
	s.cache[key] = e
	return nil
}

func (s *fakeStore) InvalidateAllForMedia(ctx context.Context, mediaType string, mediaID uuid.UUID) ([]VariantKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []VariantKey
	for k, e := range s.cache {
		if k.MediaType == mediaType && k.MediaID == mediaID {
			e.Cached = false
			s.cache[k] = e
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *fakeStore) UpdateMediaThemeColor(ctx context.Context, mediaType string, mediaID uuid.UUID, themeColor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.themeColors[mediaType+":"+mediaID.String()] = themeColor
	return nil
}

// countingFetcher counts how many times Fetch actually ran, to verify the
// singleflight group only lets one caller through per key.
type countingFetcher struct {
	calls int64
	data  []byte
	delay time.Duration
}

func (f *countingFetcher) Fetch(ctx context.Context, sourcePath string) ([]byte, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.data, nil
}

func solidJPEG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestMaterializer_DownloadVariant_SingleflightCoalescesConcurrentFetches(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	data := solidJPEG(t, 64, 64, color.RGBA{R: 200, G: 40, B: 40, A: 255})
	fetcher := &countingFetcher{data: data}

	m := NewMaterializer(store, fetcher, MaterializerConfig{CacheRoot: dir, MaxConcurrency: 4}, nil)

	key := VariantKey{MediaType: "movie", MediaID: uuid.New(), ImageType: KindPoster, OrderIndex: 0, Variant: "w342"}

	var wg sync.WaitGroup
	paths := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path, err := m.DownloadVariant(context.Background(), "/posters/abc.jpg", SizePosterW342, &key)
			require.NoError(t, err)
			paths[i] = path
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(paths); i++ {
		assert.Equal(t, paths[0], paths[i], "every concurrent caller must resolve to the same published path")
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetcher.calls), "only the leader should actually fetch")

	leaders, waiters := m.Counts()
	assert.Equal(t, int64(1), leaders)
	assert.Equal(t, int64(9), waiters)
}

func TestMaterializer_DownloadVariant_WriteOnceGuardSkipsRefetch(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	data := solidJPEG(t, 64, 64, color.RGBA{R: 10, G: 180, B: 10, A: 255})
	fetcher := &countingFetcher{data: data}
	m := NewMaterializer(store, fetcher, MaterializerConfig{CacheRoot: dir, MaxConcurrency: 4}, nil)

	key := VariantKey{MediaType: "movie", MediaID: uuid.New(), ImageType: KindPoster, OrderIndex: 0, Variant: "w342"}

	first, err := m.DownloadVariant(context.Background(), "/posters/xyz.jpg", SizePosterW342, &key)
	require.NoError(t, err)

	second, err := m.DownloadVariant(context.Background(), "/posters/xyz.jpg", SizePosterW342, &key)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetcher.calls), "second call must reuse the cached file, not refetch")
}

func TestMaterializer_DownloadVariant_AutoInvalidatesWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	data := solidJPEG(t, 64, 64, color.RGBA{R: 10, G: 10, B: 180, A: 255})
	fetcher := &countingFetcher{data: data}
	m := NewMaterializer(store, fetcher, MaterializerConfig{CacheRoot: dir, MaxConcurrency: 4}, nil)

	key := VariantKey{MediaType: "movie", MediaID: uuid.New(), ImageType: KindPoster, OrderIndex: 0, Variant: "w342"}

	path, err := m.DownloadVariant(context.Background(), "/posters/del.jpg", SizePosterW342, &key)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	second, err := m.DownloadVariant(context.Background(), "/posters/del.jpg", SizePosterW342, &key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&fetcher.calls), "missing on-disk file must trigger a genuine refetch")
	assert.Equal(t, path, second, "refetch must republish to the same canonical path")
}

func TestMaterializer_ThemeColorOnlyExtractedForGatedPosterVariants(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	data := solidJPEG(t, 64, 64, color.RGBA{R: 220, G: 30, B: 30, A: 255})
	fetcher := &countingFetcher{data: data}
	m := NewMaterializer(store, fetcher, MaterializerConfig{CacheRoot: dir, MaxConcurrency: 4}, nil)

	mediaID := uuid.New()
	key := VariantKey{MediaType: "movie", MediaID: mediaID, ImageType: KindPoster, OrderIndex: 0, Variant: "w342"}
	_, err := m.DownloadVariant(context.Background(), "/posters/theme.jpg", SizePosterW342, &key)
	require.NoError(t, err)

	entry, ok, err := store.GetCacheEntry(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, entry.ThemeColor, "w342 poster variant is gated in for theme-color extraction")

	backdropKey := VariantKey{MediaType: "movie", MediaID: mediaID, ImageType: KindBackdrop, OrderIndex: 0, Variant: "original"}
	_, err = m.DownloadVariant(context.Background(), "/backdrops/theme.jpg", SizeOriginal, &backdropKey)
	require.NoError(t, err)

	backdropEntry, ok, err := store.GetCacheEntry(context.Background(), backdropKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, backdropEntry.ThemeColor, "backdrop variants are never gated in for theme-color extraction")
}

func TestPickBestAvailable_PrefersClosestUnderTarget(t *testing.T) {
	store := newFakeStore()
	m := NewMaterializer(store, &countingFetcher{}, MaterializerConfig{CacheRoot: t.TempDir()}, nil)

	variants := []Variant{
		{Variant: "w185", Width: 185},
		{Variant: "w342", Width: 342},
		{Variant: "w500", Width: 500},
	}

	best, ok := m.PickBestAvailable(context.Background(), uuid.New(), variants, 400)
	require.True(t, ok)
	assert.Equal(t, "w342", best.Variant, "closest width not exceeding target wins")
}

func TestPickBestAvailable_FallsBackToSmallestOverTarget(t *testing.T) {
	store := newFakeStore()
	m := NewMaterializer(store, &countingFetcher{}, MaterializerConfig{CacheRoot: t.TempDir()}, nil)

	variants := []Variant{
		{Variant: "w500", Width: 500},
		{Variant: "w780", Width: 780},
	}

	best, ok := m.PickBestAvailable(context.Background(), uuid.New(), variants, 100)
	require.True(t, ok)
	assert.Equal(t, "w500", best.Variant, "smallest variant exceeding target wins when nothing qualifies under it")
}
