package statecache

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/pearsync/pearsync/internal/cloud"
	"github.com/pearsync/pearsync/internal/filesystem"
	"github.com/pearsync/pearsync/internal/localtree"
	"github.com/pearsync/pearsync/pkg/fingerprint"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x5a}, 32)
}

func openTestTable(t *testing.T) *Table {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cipher, err := NewCipher(testKey())
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	table, err := db.Table(NodeTableName(0xabc, cloud.Handle(0xdef), "user1"), cipher)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	return table
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := c.Seal([]byte("node row"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, []byte("node row")) {
		t.Error("sealed row leaks plaintext")
	}
	plain, err := c.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "node row" {
		t.Errorf("round trip = %q", plain)
	}

	other, _ := NewCipher(bytes.Repeat([]byte{0x11}, 32))
	if _, err := other.Open(sealed); err == nil {
		t.Error("wrong key must not open the row")
	}

	if _, err := NewCipher([]byte("short")); err == nil {
		t.Error("short keys must be rejected")
	}
}

func TestTableNextIDMonotonic(t *testing.T) {
	table := openTestTable(t)
	a := table.NextID()
	b := table.NextID()
	if b <= a {
		t.Errorf("ids not increasing: %d then %d", a, b)
	}
	if err := table.Put(a, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := table.Put(a, []byte("y")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}

func buildSyncedTree() *localtree.Tree {
	tr := localtree.New()
	root := tr.NewNode(filesystem.TypeDir, "root")
	tr.SetRoot(root)

	docs := tr.NewNode(filesystem.TypeDir, "docs")
	docs.SetNameParent(root, "docs", "docs", "")
	docs.SetFsid(10)
	docs.SetSyncedHandle(cloud.Handle(100))

	a := tr.NewNode(filesystem.TypeFile, "a.txt")
	a.Fingerprint = fingerprint.Fingerprint{Size: 5, MTime: 1000, Sum: 0xfeed, Valid: true}
	a.SetNameParent(docs, "a.txt", "a.txt", "A6B2~1.TXT")
	a.SetFsid(11)
	a.SetSyncedHandle(cloud.Handle(101))

	b := tr.NewNode(filesystem.TypeFile, "b.txt")
	b.Fingerprint = fingerprint.Fingerprint{Size: 9, MTime: 2000, Sum: 0xbead, Valid: true}
	b.SetNameParent(root, "b.txt", "b.txt", "")
	b.SetFsid(12)
	b.SetSyncedHandle(cloud.Handle(102))

	return tr
}

func TestRoundTripPersistence(t *testing.T) {
	table := openTestTable(t)
	cache := New(table)

	tr := buildSyncedTree()
	tr.Walk(func(n *localtree.Node) { cache.Add(n) })
	if err := cache.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if cache.Pending() {
		t.Error("flush left residue")
	}

	restored := localtree.New()
	restoredRoot := restored.NewNode(filesystem.TypeDir, "root")
	restored.SetRoot(restoredRoot)

	count, err := New(table).Restore(restored, true)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if count != 3 {
		t.Fatalf("restored %d nodes, want 3", count)
	}

	docs := restoredRoot.Children["docs"]
	if docs == nil || docs.Type != filesystem.TypeDir {
		t.Fatal("docs folder not restored")
	}
	if docs.Fsid != 10 || docs.SyncedCloudHandle != cloud.Handle(100) {
		t.Errorf("docs identity = %d/%d", docs.Fsid, docs.SyncedCloudHandle)
	}

	a := docs.Children["a.txt"]
	if a == nil {
		t.Fatal("a.txt not restored")
	}
	if a.Shortname != "A6B2~1.TXT" {
		t.Errorf("shortname = %q", a.Shortname)
	}
	if !a.Fingerprint.Valid || a.Fingerprint.Sum != 0xfeed || a.Fingerprint.Size != 5 {
		t.Errorf("fingerprint = %+v", a.Fingerprint)
	}
	if restored.NodeByFsid(11) != a || restored.NodeByHandle(101) != a {
		t.Error("restored nodes not re-indexed")
	}
	if restoredRoot.Children["b.txt"] == nil {
		t.Error("b.txt not restored")
	}
}

func TestRestoreUnstableFsids(t *testing.T) {
	table := openTestTable(t)
	cache := New(table)

	tr := buildSyncedTree()
	tr.Walk(func(n *localtree.Node) { cache.Add(n) })
	if err := cache.Flush(); err != nil {
		t.Fatal(err)
	}

	restored := localtree.New()
	restored.SetRoot(restored.NewNode(filesystem.TypeDir, "root"))
	if _, err := New(table).Restore(restored, false); err != nil {
		t.Fatal(err)
	}

	b := restored.Root.Children["b.txt"]
	if b.Fsid != filesystem.UndefFsid {
		t.Error("unstable volumes must discard stored fsids")
	}
	if restored.Root.Assigned {
		t.Error("parent with undef child fsids must not be marked assigned")
	}
}

func TestDeletionsAndTruncate(t *testing.T) {
	table := openTestTable(t)
	cache := New(table)

	tr := buildSyncedTree()
	tr.Walk(func(n *localtree.Node) { cache.Add(n) })
	if err := cache.Flush(); err != nil {
		t.Fatal(err)
	}

	b := tr.Root.Children["b.txt"]
	cache.Del(b)
	if err := cache.Flush(); err != nil {
		t.Fatal(err)
	}

	restored := localtree.New()
	restored.SetRoot(restored.NewNode(filesystem.TypeDir, "root"))
	count, err := New(table).Restore(restored, true)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("after deletion restored %d nodes, want 2", count)
	}
	if restored.Root.Children["b.txt"] != nil {
		t.Error("deleted row restored")
	}

	if err := New(table).Truncate(); err != nil {
		t.Fatal(err)
	}
	empty := localtree.New()
	empty.SetRoot(empty.NewNode(filesystem.TypeDir, "root"))
	count, err = New(table).Restore(empty, true)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("truncate left %d rows", count)
	}
}

// An addition whose parent never gets a row id is logged as residue, not
// written with a dangling parent reference.
func TestFlushOrphanResidue(t *testing.T) {
	table := openTestTable(t)
	cache := New(table)

	tr := localtree.New()
	tr.SetRoot(tr.NewNode(filesystem.TypeDir, "root"))

	parent := tr.NewNode(filesystem.TypeDir, "pending")
	parent.SetNameParent(tr.Root, "pending", "pending", "")
	child := tr.NewNode(filesystem.TypeFile, "c.txt")
	child.SetNameParent(parent, "c.txt", "c.txt", "")

	cache.Add(child) // parent never queued, never gets a dbid
	if err := cache.Flush(); err != nil {
		t.Fatal(err)
	}
	if !cache.Pending() {
		t.Error("orphan addition should remain queued")
	}
}
