// Package fingerprint provides content identity for files: size, mtime and a
// content-derived checksum. Directories never carry a valid fingerprint.
package fingerprint

import (
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies file content. Valid is false for directories and for
// entries whose content could not be read.
type Fingerprint struct {
	Size  int64
	MTime int64 // unix seconds
	Sum   uint64
	Valid bool
}

// FromReader computes a fingerprint over the full content of r.
func FromReader(r io.Reader, size, mtime int64) (Fingerprint, error) {
	h := xxhash.New()
	if _, err := io.Copy(h, r); err != nil {
		return Fingerprint{}, fmt.Errorf("fingerprint content: %w", err)
	}
	return Fingerprint{Size: size, MTime: mtime, Sum: h.Sum64(), Valid: true}, nil
}

// Equal reports whether two fingerprints identify the same content. Invalid
// fingerprints never compare equal.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Valid && other.Valid &&
		f.Size == other.Size && f.MTime == other.MTime && f.Sum == other.Sum
}

// String formats the fingerprint for logs.
func (f Fingerprint) String() string {
	if !f.Valid {
		return "invalid"
	}
	return fmt.Sprintf("%d:%d:%016x", f.Size, f.MTime, f.Sum)
}
