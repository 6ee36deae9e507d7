package localtree

import (
	"testing"
	"time"

	"github.com/pearsync/pearsync/internal/cloud"
	"github.com/pearsync/pearsync/internal/filesystem"
)

func buildTree() (*Tree, *Node, *Node, *Node) {
	t := New()
	root := t.NewNode(filesystem.TypeDir, "root")
	t.SetRoot(root)

	dir := t.NewNode(filesystem.TypeDir, "docs")
	dir.SetNameParent(root, "docs", "docs", "")

	file := t.NewNode(filesystem.TypeFile, "a.txt")
	file.SetNameParent(dir, "a.txt", "a.txt", "A6B2~1.TXT")
	return t, root, dir, file
}

func TestNameIndices(t *testing.T) {
	_, root, dir, file := buildTree()

	if root.Children["docs"] != dir {
		t.Error("dir not indexed under its name")
	}
	if dir.Children["a.txt"] != file {
		t.Error("file not indexed under its name")
	}
	if dir.ShortnameChildren["A6B2~1.TXT"] != file {
		t.Error("file not indexed under its shortname")
	}

	// A shortname equal to the localname is not stored.
	plain := dir.tree.NewNode(filesystem.TypeFile, "b.txt")
	plain.SetNameParent(dir, "b.txt", "b.txt", "b.txt")
	if plain.Shortname != "" {
		t.Errorf("shortname matching localname should collapse, got %q", plain.Shortname)
	}
	if len(dir.ShortnameChildren) != 1 {
		t.Errorf("shortname index has %d entries, want 1", len(dir.ShortnameChildren))
	}
}

func TestReparent(t *testing.T) {
	tr, root, dir, file := buildTree()

	file.SetNameParent(root, "b.txt", "b.txt", "")
	if dir.Children["a.txt"] != nil {
		t.Error("file still indexed under old parent")
	}
	if len(dir.ShortnameChildren) != 0 {
		t.Error("file still in old shortname index")
	}
	if root.Children["b.txt"] != file || file.Parent != root {
		t.Error("file not reattached under new parent")
	}

	// Every node is reachable from the root exactly once.
	seen := make(map[*Node]int)
	tr.Walk(func(n *Node) { seen[n]++ })
	for n, count := range seen {
		if count != 1 {
			t.Errorf("node %s visited %d times", n.Name, count)
		}
	}
	if len(seen) != 3 {
		t.Errorf("reachable nodes = %d, want 3", len(seen))
	}
}

func TestIdentityIndices(t *testing.T) {
	tr, _, _, file := buildTree()

	file.SetFsid(7)
	if tr.NodeByFsid(7) != file {
		t.Error("fsid index miss")
	}
	file.SetFsid(9)
	if tr.NodeByFsid(7) != nil {
		t.Error("old fsid entry not cleared")
	}
	if tr.NodeByFsid(9) != file {
		t.Error("new fsid entry missing")
	}
	file.SetFsid(filesystem.UndefFsid)
	if tr.NodeByFsid(9) != nil {
		t.Error("undef fsid should clear the index entry")
	}
	if tr.NodeByFsid(filesystem.UndefFsid) != nil {
		t.Error("undef fsid must never resolve")
	}

	file.SetSyncedHandle(cloud.Handle(42))
	if tr.NodeByHandle(42) != file {
		t.Error("handle index miss")
	}
	file.SetSyncedHandle(cloud.UndefHandle)
	if tr.NodeByHandle(42) != nil {
		t.Error("old handle entry not cleared")
	}
}

func TestDestroy(t *testing.T) {
	tr, root, dir, file := buildTree()
	file.SetFsid(7)
	file.SetSyncedHandle(cloud.Handle(42))
	file.DBID = 3
	dir.DBID = 2

	var deleted []uint32
	tr.OnDelete = func(n *Node) { deleted = append(deleted, n.DBID) }

	dir.Destroy()

	if root.Children["docs"] != nil {
		t.Error("destroyed dir still attached")
	}
	if tr.NodeByFsid(7) != nil || tr.NodeByHandle(42) != nil {
		t.Error("destroyed subtree still indexed")
	}
	if len(deleted) != 2 {
		t.Errorf("OnDelete saw %d nodes, want 2", len(deleted))
	}
	if tr.CountNodes() != 1 {
		t.Errorf("remaining nodes = %d, want 1", tr.CountNodes())
	}
}

func TestFlagRollUp(t *testing.T) {
	_, root, dir, file := buildTree()

	file.Raise(FlagScanAgain, ActionHere)

	if file.ScanAgain != ActionHere {
		t.Errorf("file scanAgain = %v", file.ScanAgain)
	}
	if dir.ScanAgain < DescendantFlagged {
		t.Errorf("parent scanAgain = %v, want >= DescendantFlagged", dir.ScanAgain)
	}
	if root.ScanAgain < DescendantFlagged {
		t.Errorf("root scanAgain = %v, want >= DescendantFlagged", root.ScanAgain)
	}

	// Raising below an ActionHere ancestor must not lower it.
	dir.SetFlag(FlagSyncAgain, ActionHere)
	file.Raise(FlagSyncAgain, ActionHere)
	if dir.SyncAgain != ActionHere {
		t.Errorf("ancestor flag lowered to %v", dir.SyncAgain)
	}

	// DescendantFlagged alone does not roll up.
	other := dir.tree.NewNode(filesystem.TypeDir, "other")
	other.SetNameParent(root, "other", "other", "")
	other.Raise(FlagConflicts, DescendantFlagged)
	if root.Conflicts != Resolved {
		t.Errorf("root conflicts = %v, want resolved", root.Conflicts)
	}
}

func TestFlagTables(t *testing.T) {
	tests := []struct {
		parent, child, want TreeFlag
	}{
		{Resolved, Resolved, Resolved},
		{Resolved, DescendantFlagged, DescendantFlagged},
		{Resolved, ActionHere, DescendantFlagged},
		{ActionHere, ActionSubtree, ActionHere},
		{DescendantFlagged, Resolved, DescendantFlagged},
	}
	for _, tt := range tests {
		if got := UpdateFromChild(tt.parent, tt.child); got != tt.want {
			t.Errorf("UpdateFromChild(%v, %v) = %v, want %v", tt.parent, tt.child, got, tt.want)
		}
	}

	if got := PropagateSubtree(ActionSubtree, Resolved); got != ActionSubtree {
		t.Errorf("PropagateSubtree(subtree, resolved) = %v", got)
	}
	if got := PropagateSubtree(ActionHere, DescendantFlagged); got != DescendantFlagged {
		t.Errorf("PropagateSubtree(here, descendant) = %v", got)
	}
}

func TestResolveLocal(t *testing.T) {
	tr, _, dir, file := buildTree()

	node, _, remainder := tr.ResolveLocal([]string{"docs", "a.txt"}, false)
	if node != file || remainder != nil {
		t.Errorf("full resolve failed: %v %v", node, remainder)
	}

	node, deepest, remainder := tr.ResolveLocal([]string{"docs", "missing", "deep"}, false)
	if node != nil && node != deepest {
		t.Error("partial resolve should not return an exact node")
	}
	if deepest != dir {
		t.Errorf("deepest = %v, want docs", deepest)
	}
	if len(remainder) != 2 {
		t.Errorf("remainder = %v", remainder)
	}

	// Localname lookup follows the volume's case rules.
	if dir.ChildByLocalname("A.TXT", true) != file {
		t.Error("case-insensitive lookup failed")
	}
	if dir.ChildByLocalname("A.TXT", false) != nil {
		t.Error("case-sensitive lookup must not fold")
	}
}

func TestBlockTimer(t *testing.T) {
	timer := NewBlockTimer()
	now := time.Unix(1000, 0)

	if !timer.Expired(now) {
		t.Error("unarmed timer should be expired")
	}
	timer.Arm(now)
	if timer.Expired(now) {
		t.Error("armed timer should not be expired immediately")
	}
	if !timer.Expired(now.Add(15 * time.Minute)) {
		t.Error("timer should expire after the maximum delay")
	}
}
