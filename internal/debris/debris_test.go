package debris

import (
	"errors"
	"testing"
	"time"

	"github.com/pearsync/pearsync/internal/filesystem"
	"github.com/pearsync/pearsync/pkg/syncpath"
)

func fixedNow() time.Time {
	return time.Date(2026, 8, 6, 10, 30, 0, 0, time.UTC)
}

func newTestMover(fs filesystem.Access) *Mover {
	m := NewMover(fs, syncpath.New("/sync/.debris"))
	m.now = fixedNow
	return m
}

func TestMoveCreatesDayFolder(t *testing.T) {
	fs := filesystem.NewMemFS()
	fs.MkdirAll("/sync")
	fs.WriteFile("/sync/gone.txt", []byte("bye"), 1000)

	m := newTestMover(fs)
	if err := m.Move(syncpath.New("/sync/gone.txt")); err != nil {
		t.Fatalf("move: %v", err)
	}

	if fs.Exists(syncpath.New("/sync/gone.txt")) {
		t.Error("original path still present")
	}
	if !fs.Exists(syncpath.New("/sync/.debris/2026-08-06/gone.txt")) {
		t.Error("file not found in dated debris folder")
	}
}

func TestMoveCollisionSuffixes(t *testing.T) {
	fs := filesystem.NewMemFS()
	fs.MkdirAll("/sync")
	m := newTestMover(fs)

	fs.WriteFile("/sync/f.txt", []byte("one"), 1)
	if err := m.Move(syncpath.New("/sync/f.txt")); err != nil {
		t.Fatal(err)
	}
	fs.WriteFile("/sync/f.txt", []byte("two"), 2)
	if err := m.Move(syncpath.New("/sync/f.txt")); err != nil {
		t.Fatal(err)
	}

	if !fs.Exists(syncpath.New("/sync/.debris/2026-08-06/f.txt")) {
		t.Error("first move missing")
	}
	if !fs.Exists(syncpath.New("/sync/.debris/2026-08-06 10.30.00.00/f.txt")) {
		t.Error("second move should land in a suffixed folder")
	}
}

// renameFailFS injects rename failures to exercise the error policy.
type renameFailFS struct {
	*filesystem.MemFS
	transient bool
}

func (f *renameFailFS) Rename(oldPath, newPath syncpath.Path) error {
	return &filesystem.Error{Op: "rename", Path: oldPath.String(), Err: errors.New("injected"), Transient: f.transient}
}

func TestMoveTransientAborts(t *testing.T) {
	mem := filesystem.NewMemFS()
	mem.MkdirAll("/sync")
	mem.WriteFile("/sync/f.txt", []byte("x"), 1)

	fs := &renameFailFS{MemFS: mem, transient: true}
	m := NewMover(fs, syncpath.New("/sync/.debris"))
	m.now = fixedNow

	err := m.Move(syncpath.New("/sync/f.txt"))
	if err == nil {
		t.Fatal("transient rename failure should abort the move")
	}
	if !filesystem.IsTransient(err) {
		t.Error("transient failure should surface as transient")
	}
	if !mem.Exists(syncpath.New("/sync/f.txt")) {
		t.Error("path must be left in place")
	}
}

func TestMoveFatalLeavesPath(t *testing.T) {
	mem := filesystem.NewMemFS()
	mem.MkdirAll("/sync")
	mem.WriteFile("/sync/f.txt", []byte("x"), 1)

	fs := &renameFailFS{MemFS: mem, transient: false}
	m := NewMover(fs, syncpath.New("/sync/.debris"))
	m.now = fixedNow

	if err := m.Move(syncpath.New("/sync/f.txt")); err == nil {
		t.Fatal("exhausted attempts should report failure")
	}
	if !mem.Exists(syncpath.New("/sync/f.txt")) {
		t.Error("path must be left in place")
	}
}
