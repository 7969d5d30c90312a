package scancursor

import (
	"encoding/hex"
	"sort"

	"github.com/zeebo/blake3"
)

// Entry is one directory listing row considered for fingerprinting: a
// filename plus whatever the caller's filesystem layer deems
// change-relevant (size, mtime, or a content digest). Only Name and
// Signature feed the hash; order is normalized internally.
type Entry struct {
	Name      string
	Signature string
}

// ListingHash fingerprints a folder's directory entry set. Entries are
// sorted by name first so that the hash depends only on (name, signature)
// pairs, not directory iteration order: it fingerprints the sorted
// directory entry set.
func ListingHash(entries []Entry) string {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := blake3.New()
	for _, e := range sorted {
		h.Write([]byte(e.Name))
		h.Write([]byte{0x1f})
		h.Write([]byte(e.Signature))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PathHash derives the stable identity half of a cursor's primary key from
// a normalized folder path, independent of ListingHash which tracks
// contents rather than identity.
func PathHash(folderPathNorm string) string {
	h := blake3.New()
	h.Write([]byte(folderPathNorm))
	return hex.EncodeToString(h.Sum(nil))
}
