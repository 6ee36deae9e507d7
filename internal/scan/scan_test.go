package scan

import (
	"sort"
	"testing"
	"time"

	"github.com/pearsync/pearsync/internal/filesystem"
	"github.com/pearsync/pearsync/pkg/syncpath"
)

func waitCompleted(t *testing.T, r *Request) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !r.Completed() {
		if time.Now().After(deadline) {
			t.Fatal("scan did not complete in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestScanDirectory(t *testing.T) {
	fs := filesystem.NewMemFS()
	fs.MkdirAll("/sync/sub")
	fs.WriteFile("/sync/a.txt", []byte("alpha"), 1000)
	fs.WriteFile("/sync/b.txt", []byte("beta"), 1001)

	svc := NewService(fs, 1)
	defer svc.Release()

	wake := make(chan struct{}, 1)
	r := svc.Scan(Target{Path: syncpath.New("/sync"), Wake: wake})
	waitCompleted(t, r)

	select {
	case <-wake:
	default:
		t.Error("completion did not signal the wake channel")
	}

	results := r.Results()
	if len(results) != 3 {
		t.Fatalf("results = %d entries, want 3", len(results))
	}
	names := make([]string, 0, 3)
	byName := make(map[string]filesystem.FSNode)
	for _, n := range results {
		names = append(names, n.Localname)
		byName[n.Localname] = n
	}
	sort.Strings(names)
	if names[0] != "a.txt" || names[1] != "b.txt" || names[2] != "sub" {
		t.Errorf("names = %v", names)
	}

	a := byName["a.txt"]
	if a.Type != filesystem.TypeFile || a.Size != 5 || a.MTime != 1000 {
		t.Errorf("a.txt = %+v", a)
	}
	if !a.Fingerprint.Valid {
		t.Error("file fingerprint should be valid")
	}
	if a.Fsid == filesystem.UndefFsid {
		t.Error("file fsid should be assigned")
	}

	sub := byName["sub"]
	if sub.Type != filesystem.TypeDir {
		t.Errorf("sub type = %v", sub.Type)
	}
	if sub.Fingerprint.Valid {
		t.Error("directories are not fingerprinted")
	}
}

func TestScanSkipsDebris(t *testing.T) {
	fs := filesystem.NewMemFS()
	fs.MkdirAll("/sync/.debris/2026-08-06")
	fs.WriteFile("/sync/.debris/2026-08-06/old.txt", []byte("x"), 1)
	fs.WriteFile("/sync/keep.txt", []byte("y"), 2)

	svc := NewService(fs, 1)
	defer svc.Release()

	r := svc.Scan(Target{Path: syncpath.New("/sync"), DebrisPath: syncpath.New("/sync/.debris")})
	waitCompleted(t, r)

	for _, n := range r.Results() {
		if n.Localname == ".debris" {
			t.Error("debris directory should be skipped")
		}
	}

	// Scanning the debris itself completes immediately and empty.
	r = svc.Scan(Target{Path: syncpath.New("/sync/.debris"), DebrisPath: syncpath.New("/sync/.debris")})
	if !r.Completed() {
		t.Error("debris scan should complete immediately")
	}
	if len(r.Results()) != 0 {
		t.Error("debris scan should be empty")
	}
}

func TestScanMissingOrNonDirectory(t *testing.T) {
	fs := filesystem.NewMemFS()
	fs.WriteFile("/file.txt", []byte("z"), 1)

	svc := NewService(fs, 1)
	defer svc.Release()

	r := svc.Scan(Target{Path: syncpath.New("/missing")})
	waitCompleted(t, r)
	if len(r.Results()) != 0 {
		t.Error("missing target should yield empty results")
	}

	r = svc.Scan(Target{Path: syncpath.New("/file.txt")})
	waitCompleted(t, r)
	if len(r.Results()) != 0 {
		t.Error("non-directory target should yield empty results")
	}
}

func TestScanBlockedEntry(t *testing.T) {
	fs := filesystem.NewMemFS()
	fs.MkdirAll("/sync")
	fs.WriteFile("/sync/locked.txt", []byte("data"), 1000)
	fs.FailOpen("/sync/locked.txt", true)

	svc := NewService(fs, 1)
	defer svc.Release()

	r := svc.Scan(Target{Path: syncpath.New("/sync")})
	waitCompleted(t, r)

	results := r.Results()
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	if !results[0].IsBlocked {
		t.Error("transient open failure should mark the entry blocked")
	}
	if results[0].Fingerprint.Valid {
		t.Error("blocked entry must not carry a fingerprint")
	}
}

func TestFingerprintReuse(t *testing.T) {
	fs := filesystem.NewMemFS()
	fs.MkdirAll("/sync")
	fs.WriteFile("/sync/a.txt", []byte("stable"), 1000)

	svc := NewService(fs, 1)
	defer svc.Release()

	r := svc.Scan(Target{Path: syncpath.New("/sync")})
	waitCompleted(t, r)
	first := r.Results()[0]

	// Block content reads: a reused fingerprint never opens the file, so the
	// scan still succeeds when the known snapshot matches.
	fs.FailOpen("/sync/a.txt", true)

	known := map[string]filesystem.FSNode{"a.txt": first}
	r = svc.Scan(Target{Path: syncpath.New("/sync"), Known: known})
	waitCompleted(t, r)
	second := r.Results()[0]

	if second.IsBlocked {
		t.Fatal("matching known snapshot should reuse the fingerprint without opening")
	}
	if !second.Fingerprint.Equal(first.Fingerprint) {
		t.Error("reused fingerprint differs")
	}

	// A changed mtime invalidates reuse; with the file unreadable the entry
	// comes back blocked.
	fs.WriteFile("/sync/a.txt", []byte("stable"), 2000)
	fs.FailOpen("/sync/a.txt", true)
	r = svc.Scan(Target{Path: syncpath.New("/sync"), Known: known})
	waitCompleted(t, r)
	if !r.Results()[0].IsBlocked {
		t.Error("changed entry must be re-fingerprinted, not reused")
	}
}

func TestReleaseJoinsWorkers(t *testing.T) {
	fs := filesystem.NewMemFS()
	fs.MkdirAll("/sync")

	svc := NewService(fs, 2)
	svc.Retain()
	svc.Release() // still one reference held

	r := svc.Scan(Target{Path: syncpath.New("/sync")})
	waitCompleted(t, r)

	svc.Release()

	// Requests after shutdown complete empty instead of hanging.
	r = svc.Scan(Target{Path: syncpath.New("/sync")})
	if !r.Completed() {
		t.Error("scan after shutdown should complete immediately")
	}
}
