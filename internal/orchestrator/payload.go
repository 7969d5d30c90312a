package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Payload is the typed union the queue persists as an opaque blob. The queue
// never interprets it except to extract LibraryID (for scoping) and, for
// retry timing, the embedded ScanReason on scan/analyze jobs.
type Payload interface {
	Kind() JobKind
	LibraryID() uuid.UUID
	// DedupeKey returns the stable string used to coalesce logically
	// equivalent pending work. Derived from the payload's identity fields,
	// never from attempt count or timestamps.
	DedupeKey() string
}

// scanReasoner is implemented by payloads the retry policy's fast-path
// acceleration applies to: a scan/analyze job whose embedded scan_reason is
// UserRequested or HotChange.
type scanReasoner interface {
	reason() ScanReason
}

// FolderScanPayload requests a directory listing scan of a library folder.
type FolderScanPayload struct {
	Library    uuid.UUID  `json:"library_id"`
	FolderPath string     `json:"folder_path"`
	Reason     ScanReason `json:"scan_reason"`
}

func (p FolderScanPayload) Kind() JobKind        { return JobKindFolderScan }
func (p FolderScanPayload) LibraryID() uuid.UUID { return p.Library }
func (p FolderScanPayload) DedupeKey() string {
	return dedupeKey("scan", p.Library, p.FolderPath)
}
func (p FolderScanPayload) reason() ScanReason { return p.Reason }

// MediaAnalyzePayload requests deep media analysis (probing, hashing,
// perceptual fingerprinting) of a single file.
type MediaAnalyzePayload struct {
	Library     uuid.UUID  `json:"library_id"`
	MediaFileID uuid.UUID  `json:"media_file_id"`
	FilePath    string     `json:"file_path"`
	Reason      ScanReason `json:"scan_reason"`
}

func (p MediaAnalyzePayload) Kind() JobKind        { return JobKindMediaAnalyze }
func (p MediaAnalyzePayload) LibraryID() uuid.UUID { return p.Library }
func (p MediaAnalyzePayload) DedupeKey() string {
	return dedupeKey("analyze", p.Library, p.MediaFileID.String(), p.FilePath)
}
func (p MediaAnalyzePayload) reason() ScanReason { return p.Reason }

// MetadataEnrichPayload requests an external metadata lookup (e.g. TMDB) be
// attached to a media record.
type MetadataEnrichPayload struct {
	Library uuid.UUID `json:"library_id"`
	MediaID uuid.UUID `json:"media_id"`
	Query   string    `json:"query"`
}

func (p MetadataEnrichPayload) Kind() JobKind        { return JobKindMetadataEnrich }
func (p MetadataEnrichPayload) LibraryID() uuid.UUID { return p.Library }
func (p MetadataEnrichPayload) DedupeKey() string {
	return dedupeKey("metadata", p.Library, p.MediaID.String())
}

// IndexUpsertPayload requests a search-index row be created or refreshed.
type IndexUpsertPayload struct {
	Library uuid.UUID `json:"library_id"`
	MediaID uuid.UUID `json:"media_id"`
}

func (p IndexUpsertPayload) Kind() JobKind        { return JobKindIndexUpsert }
func (p IndexUpsertPayload) LibraryID() uuid.UUID { return p.Library }
func (p IndexUpsertPayload) DedupeKey() string {
	return dedupeKey("index", p.Library, p.MediaID.String())
}

// ImageFetchPayload requests an image variant be materialized.
type ImageFetchPayload struct {
	Library    uuid.UUID `json:"library_id"`
	SourcePath string    `json:"source_path"`
	Variant    string    `json:"variant"`
}

func (p ImageFetchPayload) Kind() JobKind        { return JobKindImageFetch }
func (p ImageFetchPayload) LibraryID() uuid.UUID { return p.Library }
func (p ImageFetchPayload) DedupeKey() string {
	return dedupeKey("image", p.Library, p.SourcePath, p.Variant)
}

func dedupeKey(parts ...any) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%v\x1f", p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// isFastRetryReason reports whether a payload's embedded scan reason
// qualifies for the fast-retry multiplier.
func isFastRetryReason(p Payload) bool {
	sr, ok := p.(scanReasoner)
	if !ok {
		return false
	}
	switch sr.reason() {
	case ScanReasonUserRequested, ScanReasonHotChange:
		return true
	default:
		return false
	}
}

// payloadEnvelope is the wire shape persisted to the payload column: a kind
// discriminator plus the raw encoded variant, so the queue can round-trip an
// opaque blob without a central switch leaking into storage code.
type payloadEnvelope struct {
	Kind JobKind         `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serializes a typed payload into its storage envelope.
func EncodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	env := payloadEnvelope{Kind: p.Kind(), Data: data}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode payload envelope: %w", err)
	}
	return out, nil
}

// DecodePayload deserializes a storage envelope back into its typed variant.
func DecodePayload(raw []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	switch env.Kind {
	case JobKindFolderScan:
		var p FolderScanPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode FolderScan payload: %w", err)
		}
		return p, nil
	case JobKindMediaAnalyze:
		var p MediaAnalyzePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode MediaAnalyze payload: %w", err)
		}
		return p, nil
	case JobKindMetadataEnrich:
		var p MetadataEnrichPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode MetadataEnrich payload: %w", err)
		}
		return p, nil
	case JobKindIndexUpsert:
		var p IndexUpsertPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode IndexUpsert payload: %w", err)
		}
		return p, nil
	case JobKindImageFetch:
		var p ImageFetchPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode ImageFetch payload: %w", err)
		}
		return p, nil
	default:
		return nil, Internalf("unknown payload kind %q", env.Kind)
	}
}
