package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"server/internal/imagecache"
	"server/internal/orchestrator"
	"server/internal/scancursor"
)

// outcome is a handler's verdict on a job: nil err means success, a non-nil
// err with terminal=false goes back through the retry budget, and
// terminal=true sends it straight to the dead letter state without
// consuming another attempt.
type outcome struct {
	err      error
	terminal bool
}

func ok() outcome                 { return outcome{} }
func retryable(err error) outcome { return outcome{err: err} }
func terminalFail(err error) outcome {
	return outcome{err: err, terminal: true}
}

// handlers dispatches a dequeued job to the logic for its kind. FolderScan
// and ImageFetch have concrete implementations here; MediaAnalyze,
// MetadataEnrich, and IndexUpsert delegate to pluggable funcs so a
// deployment can wire in its own probing/metadata-lookup/search-index
// backends without this package needing to know about them — the
// orchestrator coordinates kind/priority/lease, it doesn't own what a
// worker does with the payload.
type handlers struct {
	queue        orchestrator.QueueService
	cursorStore  scancursor.Store
	materializer *imagecache.Materializer
	log          *zap.Logger

	analyzeMedia   func(context.Context, orchestrator.MediaAnalyzePayload) error
	enrichMetadata func(context.Context, orchestrator.MetadataEnrichPayload) error
	upsertIndex    func(context.Context, orchestrator.IndexUpsertPayload) error
}

func (h *handlers) handle(ctx context.Context, job orchestrator.Job) outcome {
	switch p := job.Payload.(type) {
	case orchestrator.FolderScanPayload:
		return h.handleFolderScan(ctx, job, p)
	case orchestrator.ImageFetchPayload:
		return h.handleImageFetch(ctx, p)
	case orchestrator.MediaAnalyzePayload:
		return h.handleMediaAnalyze(ctx, p)
	case orchestrator.MetadataEnrichPayload:
		return h.handleMetadataEnrich(ctx, p)
	case orchestrator.IndexUpsertPayload:
		return h.handleIndexUpsert(ctx, p)
	default:
		return terminalFail(fmt.Errorf("no handler registered for job kind %q", job.Kind))
	}
}

func (h *handlers) handleMediaAnalyze(ctx context.Context, p orchestrator.MediaAnalyzePayload) outcome {
	if h.analyzeMedia == nil {
		h.log.Info("no media analyze backend wired, marking complete without work",
			zap.Stringer("media_file_id", p.MediaFileID), zap.String("file_path", p.FilePath))
		return ok()
	}
	if err := h.analyzeMedia(ctx, p); err != nil {
		return retryable(fmt.Errorf("media analyze: %w", err))
	}
	return ok()
}

func (h *handlers) handleMetadataEnrich(ctx context.Context, p orchestrator.MetadataEnrichPayload) outcome {
	if h.enrichMetadata == nil {
		h.log.Info("no metadata enrich backend wired, marking complete without work", zap.Stringer("media_id", p.MediaID))
		return ok()
	}
	if err := h.enrichMetadata(ctx, p); err != nil {
		return retryable(fmt.Errorf("metadata enrich: %w", err))
	}
	return ok()
}

func (h *handlers) handleIndexUpsert(ctx context.Context, p orchestrator.IndexUpsertPayload) outcome {
	if h.upsertIndex == nil {
		h.log.Info("no search index backend wired, marking complete without work", zap.Stringer("media_id", p.MediaID))
		return ok()
	}
	if err := h.upsertIndex(ctx, p); err != nil {
		return retryable(fmt.Errorf("index upsert: %w", err))
	}
	return ok()
}

// handleFolderScan lists folderPath, fingerprints the listing, and compares
// it against the stored cursor. An unchanged fingerprint short-circuits the
// scan entirely; a changed one upserts the cursor and fans out a
// MediaAnalyze job per file so only the delta gets deep-analyzed.
func (h *handlers) handleFolderScan(ctx context.Context, job orchestrator.Job, p orchestrator.FolderScanPayload) outcome {
	entries, err := os.ReadDir(p.FolderPath)
	if err != nil {
		return retryable(fmt.Errorf("read folder %s: %w", p.FolderPath, err))
	}

	fpEntries := make([]scancursor.Entry, 0, len(entries))
	filePaths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		sig := fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano())
		fpEntries = append(fpEntries, scancursor.Entry{Name: e.Name(), Signature: sig})
		filePaths = append(filePaths, filepath.Join(p.FolderPath, e.Name()))
	}

	listingHash := scancursor.ListingHash(fpEntries)
	pathHash := scancursor.PathHash(p.FolderPath)
	id := scancursor.ID{LibraryID: p.Library, PathHash: pathHash}

	now := time.Now()
	existing, err := h.cursorStore.Get(ctx, id)
	unchanged := err == nil && existing.ListingHash == listingHash
	if unchanged {
		existing.LastScanAt = now
		if err := h.cursorStore.Upsert(ctx, existing); err != nil {
			return retryable(fmt.Errorf("refresh unchanged cursor: %w", err))
		}
		return ok()
	}

	cursor := scancursor.Cursor{
		LibraryID:      p.Library,
		PathHash:       pathHash,
		FolderPathNorm: p.FolderPath,
		ListingHash:    listingHash,
		EntryCount:     len(fpEntries),
		LastScanAt:     now,
		LastModifiedAt: now,
	}
	if err := h.cursorStore.Upsert(ctx, cursor); err != nil {
		return retryable(fmt.Errorf("upsert cursor: %w", err))
	}

	reqs := make([]orchestrator.EnqueueRequest, 0, len(filePaths))
	for _, fp := range filePaths {
		reqs = append(reqs, orchestrator.EnqueueRequest{
			Payload: orchestrator.MediaAnalyzePayload{
				Library:  p.Library,
				FilePath: fp,
				Reason:   p.Reason,
			},
			Priority: job.Priority,
		})
	}
	if len(reqs) > 0 {
		if _, err := h.queue.EnqueueMany(ctx, reqs); err != nil {
			return retryable(fmt.Errorf("enqueue media analyze jobs: %w", err))
		}
	}
	return ok()
}

// handleImageFetch materializes the requested variant; dedupe, singleflight
// coalescing, and atomic publish all happen inside the materializer.
func (h *handlers) handleImageFetch(ctx context.Context, p orchestrator.ImageFetchPayload) outcome {
	_, err := h.materializer.DownloadVariant(ctx, p.SourcePath, imagecache.CanonicalSize(p.Variant), nil)
	if err != nil {
		return retryable(fmt.Errorf("materialize variant %s for %s: %w", p.Variant, p.SourcePath, err))
	}
	return ok()
}
