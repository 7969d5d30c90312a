package imagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// publishAtomic writes data to a unique temp path beside finalPath, fsyncs
// the file and its parent directory, then hard-links the temp file onto
// finalPath. A concurrent publisher winning the race (link fails with
// AlreadyExists) is treated as benign — we just remove our temp file and
// report success, since the final file is guaranteed to be complete either
// way.
func publishAtomic(finalPath string, data []byte) error {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioErrorf("create cache directory %s: %v", dir, err)
	}

	tmpPath := finalPath + ".tmp." + uuid.NewString()
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return ioErrorf("create temp file %s: %v", tmpPath, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return ioErrorf("write temp file %s: %v", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return ioErrorf("fsync temp file %s: %v", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return ioErrorf("close temp file %s: %v", tmpPath, err)
	}

	if dirHandle, err := os.Open(dir); err == nil {
		dirHandle.Sync()
		dirHandle.Close()
	}

	if err := os.Link(tmpPath, finalPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			os.Remove(tmpPath)
			return nil
		}
		os.Remove(tmpPath)
		return ioErrorf("hard-link %s to %s: %v", tmpPath, finalPath, err)
	}

	os.Remove(tmpPath)
	return nil
}

// contentHash computes the SHA-256 digest of the bytes, used to
// deduplicate identical images materialized from different source paths.
func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// detectFormat sniffs the image container format from magic bytes.
func detectFormat(data []byte) string {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "jpg"
	case len(data) >= 8 && string(data[0:8]) == "\x89PNG\r\n\x1a\n":
		return "png"
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "webp"
	default:
		return "unknown"
	}
}

// readAllChecked copies src into memory, verifying contentLength against
// the number of bytes actually read when the server reported one; a
// mismatch is treated as a fatal error.
func readAllChecked(src io.Reader, contentLength int64) ([]byte, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, ioErrorf("read source bytes: %v", err)
	}
	if contentLength > 0 && int64(len(data)) != contentLength {
		return nil, ioErrorf("content-length mismatch: expected %d, got %d", contentLength, len(data))
	}
	return data, nil
}
