package imagecache

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// FrameExtractor pulls a single still frame from a video file. The
// production implementation shells out to ffmpeg; treated as an opaque
// frame extractor, outside this package's concern.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, videoPath string, atFraction float64) ([]byte, error)
}

// ffmpegFrameExtractor extracts a frame at a fraction of the video's
// duration by shelling out to ffprobe (for duration) then ffmpeg (for the
// actual frame), taken at 30% of the episode's duration.
type ffmpegFrameExtractor struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpegFrameExtractor builds a FrameExtractor backed by the ffmpeg/
// ffprobe binaries on PATH (or at the given paths if non-empty).
func NewFFmpegFrameExtractor(ffmpegPath, ffprobePath string) FrameExtractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &ffmpegFrameExtractor{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

func (e *ffmpegFrameExtractor) ExtractFrame(ctx context.Context, videoPath string, atFraction float64) ([]byte, error) {
	duration, err := e.probeDuration(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	seekSeconds := duration * atFraction
	cmd := exec.CommandContext(ctx, e.ffmpegPath,
		"-ss", fmt.Sprintf("%.3f", seekSeconds),
		"-i", videoPath,
		"-frames:v", "1",
		"-f", "image2",
		"-vcodec", "mjpeg",
		"pipe:1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, invalidMediaf("ffmpeg frame extraction failed for %s: %v (%s)", videoPath, err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, invalidMediaf("ffmpeg produced no frame data for %s", videoPath)
	}
	return stdout.Bytes(), nil
}

func (e *ffmpegFrameExtractor) probeDuration(ctx context.Context, videoPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, e.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, invalidMediaf("ffprobe failed for %s: %v (%s)", videoPath, err, stderr.String())
	}

	var duration float64
	if _, err := fmt.Sscanf(stdout.String(), "%f", &duration); err != nil || duration <= 0 {
		return 0, invalidMediaf("could not determine duration for %s", videoPath)
	}
	return duration, nil
}

// GenerateEpisodeThumbnail materializes a thumbnail frame for a video
// file, sharing the exact singleflight/write-once/cache-entry contract as
// DownloadVariant.
func (m *Materializer) GenerateEpisodeThumbnail(ctx context.Context, extractor FrameExtractor, videoPath string, mediaFileID uuid.UUID, key VariantKey) (string, error) {
	sourcePath := fmt.Sprintf("video:%s", mediaFileID)
	rec, err := m.Register(ctx, sourcePath)
	if err != nil {
		return "", err
	}

	variant := key.Variant
	if variant == "" {
		variant = string(SizeStillW300)
	}

	path, err, _ := m.sf.do(inFlightKey{ImageID: rec.ID, Variant: variant}, func() (string, error) {
		return m.generateThumbnailLocked(ctx, extractor, videoPath, rec, variant, key)
	})
	return path, err
}

func (m *Materializer) generateThumbnailLocked(ctx context.Context, extractor FrameExtractor, videoPath string, rec ImageRecord, variant string, key VariantKey) (string, error) {
	if entry, ok, err := m.store.GetCacheEntry(ctx, key); err != nil {
		return "", internalf("get cache entry: %v", err)
	} else if ok && entry.Cached {
		if v, vok, err := m.store.FindVariant(ctx, rec.ID, variant); err == nil && vok && fileExists(v.FilePath) {
			return v.FilePath, nil
		}
		if err := m.store.InvalidateCacheEntry(ctx, key); err != nil {
			return "", internalf("auto-invalidate stale cache entry: %v", err)
		}
	}

	if err := m.sem.acquire(ctx); err != nil {
		return "", internalf("acquire materializer semaphore: %v", err)
	}
	defer m.sem.release()

	frame, err := extractor.ExtractFrame(ctx, videoPath, 0.30)
	if err != nil {
		return "", err
	}

	hash := contentHash(frame)
	folder := imageFolder(key.ImageType)
	filename := buildVariantFilename(rec.SourcePath, variant, folder, &key)
	finalPath := filepath.Join(m.canonicalVariantDir(key.ImageType, variant), filename)

	if err := publishAtomic(finalPath, frame); err != nil {
		return "", err
	}

	width, height := decodeDimensions(frame)
	if err := m.store.SetImageContentHash(ctx, rec.ID, hash); err != nil {
		return "", internalf("set content hash: %v", err)
	}
	if err := m.store.UpsertVariant(ctx, Variant{
		ImageID: rec.ID, Variant: variant, FilePath: finalPath,
		Width: width, Height: height, Format: "jpg", CreatedAt: time.Now(),
	}); err != nil {
		return "", internalf("upsert variant: %v", err)
	}

	now := time.Now()
	if err := m.store.PutCacheEntry(ctx, CacheEntry{
		Key: key, CachedAt: &now, Cached: true, Width: width, Height: height, ContentHash: hash,
	}); err != nil {
		return "", internalf("put cache entry: %v", err)
	}

	return finalPath, nil
}
