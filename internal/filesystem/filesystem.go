// Package filesystem abstracts the local filesystem behind opaque handles so
// the engine can be driven against the real disk or an in-memory fake. Errors
// carry a transient flag so callers can distinguish retryable conditions.
package filesystem

import (
	"errors"
	"fmt"
	"io"

	"github.com/pearsync/pearsync/pkg/fingerprint"
	"github.com/pearsync/pearsync/pkg/syncpath"
)

// NodeType classifies a filesystem entry.
type NodeType int

const (
	TypeUnknown NodeType = iota
	TypeFile
	TypeDir
)

// String returns a short name for logs.
func (t NodeType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	default:
		return "unknown"
	}
}

// Fsid is a filesystem-stable identifier for an entry (inode-like). Fsids may
// be reissued after deletion, so consumers must re-verify identity by type
// and fingerprint.
type Fsid uint64

// UndefFsid marks an unknown or unassigned fsid.
const UndefFsid Fsid = 1<<64 - 1

// Info is the result of a stat.
type Info struct {
	Type      NodeType
	Size      int64
	MTime     int64 // unix seconds
	Fsid      Fsid
	Shortname string // 8.3-style alias where the platform has one, else ""
	IsSymlink bool
}

// FSNode is an immutable snapshot of one filesystem entry as produced by the
// scanner.
type FSNode struct {
	Localname   string
	Type        NodeType
	Size        int64
	MTime       int64
	Fsid        Fsid
	Shortname   string
	IsSymlink   bool
	IsBlocked   bool // entry could not be opened; mirrors the error's transient flag
	Fingerprint fingerprint.Fingerprint
}

// Name returns the name the entry is known by locally.
func (n *FSNode) Name() string {
	return n.Localname
}

// Error is a filesystem operation failure. Transient errors are worth
// retrying after a back-off; fatal ones are surfaced to the user.
type Error struct {
	Op        string
	Path      string
	Err       error
	Transient bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable filesystem error.
func IsTransient(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Transient
}

// ErrNotDir is returned when a directory operation targets a non-directory.
var ErrNotDir = errors.New("not a directory")

// Access is the set of filesystem operations the engine needs. All paths are
// native local paths.
type Access interface {
	// Open opens an entry for reading.
	Open(path syncpath.Path) (io.ReadCloser, error)

	// ReadDir enumerates the names of a directory's entries.
	ReadDir(path syncpath.Path) ([]string, error)

	// Stat describes one entry. followSymlinks controls whether a symlink is
	// described as itself or as its target.
	Stat(path syncpath.Path, followSymlinks bool) (Info, error)

	// Rename moves an entry to a new path on the same volume. It fails
	// rather than replace an existing target.
	Rename(oldPath, newPath syncpath.Path) error

	// Mkdir creates a single directory.
	Mkdir(path syncpath.Path) error

	// Exists probes whether an entry is present.
	Exists(path syncpath.Path) bool

	// VolumeFingerprint identifies the volume containing path. Two paths on
	// the same volume report the same value across restarts.
	VolumeFingerprint(path syncpath.Path) (uint64, error)

	// FsidsAreStable reports whether fsids on path's volume survive restarts.
	FsidsAreStable(path syncpath.Path) bool

	// IsCaseInsensitive reports whether path's volume folds name case.
	IsCaseInsensitive(path syncpath.Path) bool

	// Separator returns the platform's path separator.
	Separator() rune
}
