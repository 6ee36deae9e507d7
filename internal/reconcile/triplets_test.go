package reconcile

import (
	"testing"

	"github.com/pearsync/pearsync/internal/cloud"
	"github.com/pearsync/pearsync/internal/filesystem"
	"github.com/pearsync/pearsync/internal/localtree"
	"github.com/pearsync/pearsync/pkg/fingerprint"
	"github.com/pearsync/pearsync/pkg/syncpath"
)

func newTripletFixture() (*localtree.Tree, *localtree.Node, *cloud.Memory, *cloud.Node) {
	tr := localtree.New()
	root := tr.NewNode(filesystem.TypeDir, "root")
	tr.SetRoot(root)
	mem := cloud.NewMemory()
	return tr, root, mem, mem.Root()
}

func fsFile(name string, fsid filesystem.Fsid) filesystem.FSNode {
	return filesystem.FSNode{
		Localname:   name,
		Type:        filesystem.TypeFile,
		Size:        4,
		MTime:       1000,
		Fsid:        fsid,
		Fingerprint: fingerprint.Fingerprint{Size: 4, MTime: 1000, Sum: uint64(fsid), Valid: true},
	}
}

func TestTripletsPairAllThreeSides(t *testing.T) {
	tr, root, mem, cloudRoot := newTripletFixture()

	n := tr.NewNode(filesystem.TypeFile, "a.txt")
	n.SetNameParent(root, "a.txt", "a.txt", "")
	n.SetFsid(1)
	ca := mem.AddFile(cloudRoot, "a.txt", fingerprint.Fingerprint{Valid: true})
	n.SetSyncedHandle(ca.Handle)

	fsNodes := []filesystem.FSNode{fsFile("a.txt", 1), fsFile("b.txt", 2)}
	cb := mem.AddFile(cloudRoot, "c.txt", fingerprint.Fingerprint{Valid: true})

	rows := computeTriplets(cloudRoot, root, fsNodes, false)
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}

	found := map[string]*Row{}
	for _, r := range rows {
		found[r.Localname()] = r
	}
	a := found["a.txt"]
	if a == nil || a.Sync != n || a.FS == nil || a.Cloud != ca {
		t.Errorf("a.txt row incomplete: %+v", a)
	}
	b := found["b.txt"]
	if b == nil || b.Sync != nil || b.FS == nil || b.Cloud != nil {
		t.Errorf("b.txt row = %+v", b)
	}
	c := found["c.txt"]
	if c == nil || c.Cloud != cb || c.Sync != nil || c.FS != nil {
		t.Errorf("c.txt row = %+v", c)
	}
}

// Every input element lands in exactly one row, as primary or clash entry,
// and paired rows are ordered by the filesystem comparator.
func TestTripletsTotalityAndOrder(t *testing.T) {
	tr, root, mem, cloudRoot := newTripletFixture()

	names := []string{"delta", "alpha", "echo", "bravo", "charlie"}
	for i, name := range names {
		n := tr.NewNode(filesystem.TypeFile, name)
		n.SetNameParent(root, name, name, "")
		n.SetFsid(filesystem.Fsid(i + 1))
		mem.AddFile(cloudRoot, name, fingerprint.Fingerprint{Valid: true})
	}
	var fsNodes []filesystem.FSNode
	for i, name := range names {
		fsNodes = append(fsNodes, fsFile(name, filesystem.Fsid(i+1)))
	}

	rows := computeTriplets(cloudRoot, root, fsNodes, false)
	if len(rows) != len(names) {
		t.Fatalf("rows = %d, want %d", len(rows), len(names))
	}

	seen := map[string]bool{}
	for i, r := range rows {
		if r.Sync == nil || r.FS == nil || r.Cloud == nil {
			t.Errorf("row %s incomplete", r.Localname())
		}
		if seen[r.Localname()] {
			t.Errorf("duplicate row for %s", r.Localname())
		}
		seen[r.Localname()] = true
		if i > 0 && syncpath.CompareNames(rows[i-1].Localname(), r.Localname(), false) > 0 {
			t.Errorf("rows out of order at %d: %s after %s", i, r.Localname(), rows[i-1].Localname())
		}
	}
}

// Cloud names that collapse onto one local name on a case-insensitive
// volume are a clash; the incumbent keeps its primary slot.
func TestTripletsCloudNameClash(t *testing.T) {
	tr, root, mem, cloudRoot := newTripletFixture()

	upper := mem.AddFile(cloudRoot, "README", fingerprint.Fingerprint{Valid: true})
	lower := mem.AddFile(cloudRoot, "readme", fingerprint.Fingerprint{Valid: true})

	n := tr.NewNode(filesystem.TypeFile, "README")
	n.SetNameParent(root, "README", "README", "")
	n.SetFsid(9)
	n.SetSyncedHandle(upper.Handle)

	rows := computeTriplets(cloudRoot, root, []filesystem.FSNode{fsFile("README", 9)}, true)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if len(row.CloudClashingNames) != 2 {
		t.Fatalf("clashing names = %d, want 2", len(row.CloudClashingNames))
	}
	if row.Cloud != upper {
		t.Error("incumbent did not keep its cloud slot")
	}
	clashSet := map[*cloud.Node]bool{}
	for _, c := range row.CloudClashingNames {
		clashSet[c] = true
	}
	if !clashSet[upper] || !clashSet[lower] {
		t.Error("both clashing entries must be reported")
	}
}

// A clash run with no incumbent still produces a row carrying the clash.
func TestTripletsCloudClashWithoutIncumbent(t *testing.T) {
	_, root, mem, cloudRoot := newTripletFixture()

	mem.AddFile(cloudRoot, "NOTES", fingerprint.Fingerprint{Valid: true})
	mem.AddFile(cloudRoot, "notes", fingerprint.Fingerprint{Valid: true})

	rows := computeTriplets(cloudRoot, root, nil, true)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].Cloud != nil {
		t.Error("no incumbent: primary cloud slot must stay empty")
	}
	if len(rows[0].CloudClashingNames) != 2 {
		t.Errorf("clashing names = %d, want 2", len(rows[0].CloudClashingNames))
	}
}

// On a case-sensitive volume, README and readme are distinct rows.
func TestTripletsCaseSensitiveNoClash(t *testing.T) {
	_, root, mem, cloudRoot := newTripletFixture()

	mem.AddFile(cloudRoot, "README", fingerprint.Fingerprint{Valid: true})
	mem.AddFile(cloudRoot, "readme", fingerprint.Fingerprint{Valid: true})

	rows := computeTriplets(cloudRoot, root, nil, false)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	for _, r := range rows {
		if len(r.CloudClashingNames) != 0 {
			t.Error("case-sensitive volume must not report a clash")
		}
	}
}

// Filesystem name clashes: the entry whose fsid matches the incumbent stays
// the primary; all clashing entries are reported.
func TestTripletsFSNameClash(t *testing.T) {
	tr, root, _, _ := newTripletFixture()

	n := tr.NewNode(filesystem.TypeFile, "data")
	n.SetNameParent(root, "data", "data", "")
	n.SetFsid(5)

	clashA := fsFile("data", 5)
	clashB := fsFile("data", 6)

	rows := computeTriplets(nil, root, []filesystem.FSNode{clashA, clashB}, false)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if len(row.FSClashingNames) != 2 {
		t.Fatalf("fs clashing names = %d, want 2", len(row.FSClashingNames))
	}
	if row.FS == nil || row.FS.Fsid != 5 {
		t.Error("incumbent fsid did not keep the primary slot")
	}
}
