package localtree

import (
	"github.com/pearsync/pearsync/internal/cloud"
	"github.com/pearsync/pearsync/internal/filesystem"
)

// Tree owns one sync's synced-state nodes and the identity indices over
// them. At most one node per fsid and one per synced cloud handle may exist
// within a tree.
type Tree struct {
	Root *Node

	byFsid   map[filesystem.Fsid]*Node
	byHandle map[cloud.Handle]*Node

	// OnDelete is invoked for every node removed via Destroy, so the state
	// cache can drop its row.
	OnDelete func(*Node)
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		byFsid:   make(map[filesystem.Fsid]*Node),
		byHandle: make(map[cloud.Handle]*Node),
	}
}

// NewNode allocates a detached node belonging to this tree.
func (t *Tree) NewNode(typ filesystem.NodeType, name string) *Node {
	return &Node{
		Type:              typ,
		Name:              name,
		Localname:         name,
		Fsid:              filesystem.UndefFsid,
		Children:          make(map[string]*Node),
		ShortnameChildren: make(map[string]*Node),
		tree:              t,
	}
}

// SetRoot installs the sync root node.
func (t *Tree) SetRoot(n *Node) {
	t.Root = n
}

// NodeByFsid returns the node currently holding an fsid, or nil.
func (t *Tree) NodeByFsid(fsid filesystem.Fsid) *Node {
	if fsid == filesystem.UndefFsid {
		return nil
	}
	return t.byFsid[fsid]
}

// NodeByHandle returns the node synced against a cloud handle, or nil.
func (t *Tree) NodeByHandle(h cloud.Handle) *Node {
	if h == cloud.UndefHandle {
		return nil
	}
	return t.byHandle[h]
}

// ResolveLocal walks a relative local path (name components below the root)
// as far as the tree knows it. It returns the exact node when the whole path
// resolved, the deepest existing ancestor otherwise, and the unresolved
// remainder.
func (t *Tree) ResolveLocal(components []string, caseInsensitive bool) (node *Node, deepest *Node, remainder []string) {
	deepest = t.Root
	if deepest == nil {
		return nil, nil, components
	}
	for i, c := range components {
		child := deepest.ChildByLocalname(c, caseInsensitive)
		if child == nil {
			return nil, deepest, components[i:]
		}
		deepest = child
	}
	return deepest, deepest, nil
}

// Walk visits every node in the tree, parents before children.
func (t *Tree) Walk(visit func(*Node)) {
	var rec func(*Node)
	rec = func(n *Node) {
		visit(n)
		for _, c := range n.Children {
			rec(c)
		}
	}
	if t.Root != nil {
		rec(t.Root)
	}
}

// CountNodes returns the number of nodes reachable from the root.
func (t *Tree) CountNodes() int {
	count := 0
	t.Walk(func(*Node) { count++ })
	return count
}
