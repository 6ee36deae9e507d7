package filesystem

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/pearsync/pearsync/pkg/syncpath"
)

// MemFS is an in-memory Access implementation. It backs the engine tests.
// Fsids are assigned once per entry and survive renames, like inodes.
type MemFS struct {
	mu              sync.Mutex
	root            *memEntry
	nextFsid        Fsid
	caseInsensitive bool
	volume          uint64
	openErrs        map[string]bool // path -> transient flag
}

type memEntry struct {
	name     string
	typ      NodeType
	content  []byte
	mtime    int64
	fsid     Fsid
	symlink  bool
	children map[string]*memEntry
}

// NewMemFS returns an empty in-memory filesystem rooted at "/".
func NewMemFS() *MemFS {
	fs := &MemFS{
		nextFsid: 1,
		volume:   0x9ea2,
		openErrs: make(map[string]bool),
	}
	fs.root = &memEntry{name: "/", typ: TypeDir, fsid: fs.takeFsid(), children: map[string]*memEntry{}}
	return fs
}

// SetCaseInsensitive toggles name folding for the volume.
func (m *MemFS) SetCaseInsensitive(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caseInsensitive = v
}

// FailOpen makes subsequent opens of path fail; transient selects the error
// class. Clear with ClearOpenError.
func (m *MemFS) FailOpen(path string, transient bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErrs[path] = transient
}

// ClearOpenError removes an injected open failure.
func (m *MemFS) ClearOpenError(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.openErrs, path)
}

func (m *MemFS) takeFsid() Fsid {
	id := m.nextFsid
	m.nextFsid++
	return id
}

func (m *MemFS) lookup(path string) (*memEntry, *memEntry) {
	if path == "/" || path == "" {
		return m.root, nil
	}
	parent := m.root
	comps := syncpath.Components(trimRoot(path))
	for i, c := range comps {
		child, ok := parent.children[c]
		if !ok {
			return nil, nil
		}
		if i == len(comps)-1 {
			return child, parent
		}
		if child.typ != TypeDir {
			return nil, nil
		}
		parent = child
	}
	return nil, nil
}

func trimRoot(path string) string {
	if len(path) > 0 && path[0] == '/' {
		return path[1:]
	}
	return path
}

// MkdirAll creates a directory and any missing parents.
func (m *MemFS) MkdirAll(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent := m.root
	for _, c := range syncpath.Components(trimRoot(path)) {
		child, ok := parent.children[c]
		if !ok {
			child = &memEntry{name: c, typ: TypeDir, fsid: m.takeFsid(), children: map[string]*memEntry{}}
			parent.children[c] = child
		}
		parent = child
	}
}

// WriteFile creates or replaces a file. The fsid is preserved when the file
// already exists.
func (m *MemFS) WriteFile(path string, content []byte, mtime int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, _ := m.lookup(path)
	if entry == nil {
		p := syncpath.New(path)
		parent, _ := m.lookup(p.Parent().String())
		if parent == nil || parent.typ != TypeDir {
			return
		}
		entry = &memEntry{name: p.Leaf(), typ: TypeFile, fsid: m.takeFsid()}
		parent.children[entry.name] = entry
	}
	entry.content = append([]byte(nil), content...)
	entry.mtime = mtime
	entry.typ = TypeFile
}

// Symlink creates a symlink entry.
func (m *MemFS) Symlink(path string, mtime int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := syncpath.New(path)
	parent, _ := m.lookup(p.Parent().String())
	if parent == nil {
		return
	}
	parent.children[p.Leaf()] = &memEntry{
		name: p.Leaf(), typ: TypeFile, fsid: m.takeFsid(), mtime: mtime, symlink: true,
	}
}

// Remove deletes an entry and its subtree.
func (m *MemFS) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, parent := m.lookup(path)
	if entry == nil || parent == nil {
		return
	}
	delete(parent.children, entry.name)
}

// FsidOf returns the fsid of an entry, or UndefFsid if absent.
func (m *MemFS) FsidOf(path string) Fsid {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, _ := m.lookup(path)
	if entry == nil {
		return UndefFsid
	}
	return entry.fsid
}

func (m *MemFS) Open(path syncpath.Path) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if transient, ok := m.openErrs[path.String()]; ok {
		return nil, &Error{Op: "open", Path: path.String(), Err: errors.New("injected failure"), Transient: transient}
	}
	entry, _ := m.lookup(path.String())
	if entry == nil {
		return nil, &Error{Op: "open", Path: path.String(), Err: os.ErrNotExist}
	}
	return io.NopCloser(bytes.NewReader(entry.content)), nil
}

func (m *MemFS) ReadDir(path syncpath.Path) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, _ := m.lookup(path.String())
	if entry == nil {
		return nil, &Error{Op: "readdir", Path: path.String(), Err: os.ErrNotExist}
	}
	if entry.typ != TypeDir {
		return nil, &Error{Op: "readdir", Path: path.String(), Err: ErrNotDir}
	}
	names := make([]string, 0, len(entry.children))
	for name := range entry.children {
		names = append(names, name)
	}
	return names, nil
}

func (m *MemFS) Stat(path syncpath.Path, followSymlinks bool) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, _ := m.lookup(path.String())
	if entry == nil {
		return Info{}, &Error{Op: "stat", Path: path.String(), Err: os.ErrNotExist}
	}
	return Info{
		Type:      entry.typ,
		Size:      int64(len(entry.content)),
		MTime:     entry.mtime,
		Fsid:      entry.fsid,
		IsSymlink: entry.symlink,
	}, nil
}

func (m *MemFS) Rename(oldPath, newPath syncpath.Path) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, oldParent := m.lookup(oldPath.String())
	if entry == nil || oldParent == nil {
		return &Error{Op: "rename", Path: oldPath.String(), Err: os.ErrNotExist}
	}
	if existing, _ := m.lookup(newPath.String()); existing != nil {
		return &Error{Op: "rename", Path: newPath.String(), Err: os.ErrExist}
	}
	newParent, _ := m.lookup(newPath.Parent().String())
	if newParent == nil || newParent.typ != TypeDir {
		return &Error{Op: "rename", Path: newPath.String(), Err: os.ErrNotExist}
	}
	delete(oldParent.children, entry.name)
	entry.name = newPath.Leaf()
	newParent.children[entry.name] = entry
	return nil
}

func (m *MemFS) Mkdir(path syncpath.Path) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, _ := m.lookup(path.String()); existing != nil {
		return &Error{Op: "mkdir", Path: path.String(), Err: os.ErrExist}
	}
	parent, _ := m.lookup(path.Parent().String())
	if parent == nil || parent.typ != TypeDir {
		return &Error{Op: "mkdir", Path: path.String(), Err: os.ErrNotExist}
	}
	parent.children[path.Leaf()] = &memEntry{
		name: path.Leaf(), typ: TypeDir, fsid: m.takeFsid(), children: map[string]*memEntry{},
	}
	return nil
}

func (m *MemFS) Exists(path syncpath.Path) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, _ := m.lookup(path.String())
	return entry != nil
}

func (m *MemFS) VolumeFingerprint(path syncpath.Path) (uint64, error) {
	return m.volume, nil
}

func (m *MemFS) FsidsAreStable(path syncpath.Path) bool {
	return true
}

func (m *MemFS) IsCaseInsensitive(path syncpath.Path) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caseInsensitive
}

func (m *MemFS) Separator() rune {
	return '/'
}
