// Package localtree holds the in-memory mirror of the last synced state: one
// Node per tracked filesystem entry, indexed by fsid and by synced cloud
// handle for move detection. All mutation happens on the reconciler
// goroutine.
package localtree

import (
	"time"

	"github.com/pearsync/pearsync/internal/cloud"
	"github.com/pearsync/pearsync/internal/filesystem"
	"github.com/pearsync/pearsync/pkg/fingerprint"
	"github.com/pearsync/pearsync/pkg/syncpath"
)

// Node is one entry in the synced-state tree. The tree owns its nodes: a
// parent exclusively owns its children, and destroying a node destroys its
// subtree. The fsid and cloud-handle indices hold non-owning references that
// a node clears on destruction.
type Node struct {
	Type      filesystem.NodeType
	Name      string // cloud-canonical name
	Localname string
	Shortname string // "" when the entry has none or it matches Localname
	Fsid      filesystem.Fsid

	// SyncedCloudHandle is the cloud node this entry was last synced
	// against, or UndefHandle before first upload.
	SyncedCloudHandle cloud.Handle

	// Fingerprint is the synced content identity; valid for files only.
	Fingerprint fingerprint.Fingerprint

	Parent            *Node
	Children          map[string]*Node // keyed by Name, case-sensitive
	ShortnameChildren map[string]*Node // secondary index, often empty

	ScanAgain   TreeFlag
	SyncAgain   TreeFlag
	Conflicts   TreeFlag
	UseBlocked  TreeFlag
	ScanBlocked TreeFlag

	// Assigned records that fsids were attached to all known children
	// during the initial scan.
	Assigned bool

	// Deleting suppresses descent while a cloud removal is in progress.
	Deleting bool

	// PendingTransfer is the content transfer in flight for this entry, if
	// any. It keeps a second identical transfer from being issued while the
	// first propagates.
	PendingTransfer *cloud.Transfer

	// LastFolderScan holds a completed scan batch awaiting consumption; it
	// is cleared once the folder reconciles successfully.
	LastFolderScan []filesystem.FSNode
	LastScanTime   time.Time

	// DBID is the state cache row id, 0 before first persistence.
	DBID uint32

	destroyed bool
	rare      *RareFields
	tree      *Tree
}

// Destroyed reports whether the node has been removed from its tree.
func (n *Node) Destroyed() bool {
	return n.destroyed
}

// IsRoot reports whether the node is the sync root.
func (n *Node) IsRoot() bool {
	return n.Parent == nil
}

// Flag returns the value of one tri-state flag.
func (n *Node) Flag(k FlagKind) TreeFlag {
	return *n.flagPtr(k)
}

// SetFlag stores a flag value without propagating to ancestors.
func (n *Node) SetFlag(k FlagKind, v TreeFlag) {
	*n.flagPtr(k) = v
}

// Raise lifts a flag to at least v and rolls the demand up: every ancestor
// ends at least DescendantFlagged when v requires action here or below.
func (n *Node) Raise(k FlagKind, v TreeFlag) {
	p := n.flagPtr(k)
	if v > *p {
		*p = v
	}
	if v < ActionHere {
		return
	}
	for a := n.Parent; a != nil; a = a.Parent {
		f := a.flagPtr(k)
		if *f >= DescendantFlagged {
			break
		}
		*f = DescendantFlagged
	}
}

func (n *Node) flagPtr(k FlagKind) *TreeFlag {
	switch k {
	case FlagScanAgain:
		return &n.ScanAgain
	case FlagSyncAgain:
		return &n.SyncAgain
	case FlagConflicts:
		return &n.Conflicts
	case FlagUseBlocked:
		return &n.UseBlocked
	default:
		return &n.ScanBlocked
	}
}

// Rare returns the node's rarely-used fields, allocating them on first use.
func (n *Node) Rare() *RareFields {
	if n.rare == nil {
		n.rare = &RareFields{}
	}
	return n.rare
}

// HasRare reports whether rare fields were ever allocated.
func (n *Node) HasRare() bool {
	return n.rare != nil
}

// SetNameParent attaches the node under a new parent with new names,
// maintaining the parent's name and shortname indices. A nil parent detaches
// only.
func (n *Node) SetNameParent(parent *Node, name, localname, shortname string) {
	n.detachFromParent()

	n.Name = name
	n.Localname = localname
	if shortname == localname {
		shortname = ""
	}
	n.Shortname = shortname

	if parent == nil {
		n.Parent = nil
		return
	}
	n.Parent = parent
	parent.Children[n.Name] = n
	if n.Shortname != "" {
		parent.ShortnameChildren[n.Shortname] = n
	}
}

func (n *Node) detachFromParent() {
	if n.Parent == nil {
		return
	}
	if n.Parent.Children[n.Name] == n {
		delete(n.Parent.Children, n.Name)
	}
	if n.Shortname != "" && n.Parent.ShortnameChildren[n.Shortname] == n {
		delete(n.Parent.ShortnameChildren, n.Shortname)
	}
	n.Parent = nil
}

// SetFsid reindexes the node under a new fsid.
func (n *Node) SetFsid(fsid filesystem.Fsid) {
	if n.tree.byFsid[n.Fsid] == n {
		delete(n.tree.byFsid, n.Fsid)
	}
	n.Fsid = fsid
	if fsid != filesystem.UndefFsid {
		n.tree.byFsid[fsid] = n
	}
}

// SetSyncedHandle reindexes the node under a new synced cloud handle.
func (n *Node) SetSyncedHandle(h cloud.Handle) {
	if n.tree.byHandle[n.SyncedCloudHandle] == n {
		delete(n.tree.byHandle, n.SyncedCloudHandle)
	}
	n.SyncedCloudHandle = h
	if h != cloud.UndefHandle {
		n.tree.byHandle[h] = n
	}
}

// Destroy removes the node and its whole subtree: children first, then index
// entries, then the parent linkage. The tree's OnDelete hook sees every
// destroyed node so its cache row can be dropped.
func (n *Node) Destroy() {
	for _, c := range n.Children {
		c.Destroy()
	}
	n.Children = nil
	n.ShortnameChildren = nil
	n.LastFolderScan = nil

	if n.tree.byFsid[n.Fsid] == n {
		delete(n.tree.byFsid, n.Fsid)
	}
	if n.tree.byHandle[n.SyncedCloudHandle] == n {
		delete(n.tree.byHandle, n.SyncedCloudHandle)
	}
	n.detachFromParent()
	n.destroyed = true

	if n.tree.OnDelete != nil {
		n.tree.OnDelete(n)
	}
}

// LocalPath reconstructs the node's absolute local path below the sync root.
func (n *Node) LocalPath(rootPath syncpath.Path) syncpath.Path {
	if n.Parent == nil {
		return rootPath
	}
	return n.Parent.LocalPath(rootPath).Append(n.Localname)
}

// AsFSNode reconstructs a filesystem snapshot from the synced state, used
// when reconciling cloud-side changes without a fresh scan.
func (n *Node) AsFSNode() filesystem.FSNode {
	fs := filesystem.FSNode{
		Localname:   n.Localname,
		Type:        n.Type,
		Fsid:        n.Fsid,
		Shortname:   n.Shortname,
		Fingerprint: n.Fingerprint,
	}
	if n.Fingerprint.Valid {
		fs.Size = n.Fingerprint.Size
		fs.MTime = n.Fingerprint.MTime
	}
	return fs
}

// ChildByLocalname finds a child by its local name (or shortname), using the
// volume's comparison rules.
func (n *Node) ChildByLocalname(localname string, caseInsensitive bool) *Node {
	for _, c := range n.Children {
		if syncpath.NamesEqual(c.Localname, localname, caseInsensitive) {
			return c
		}
	}
	for _, c := range n.ShortnameChildren {
		if syncpath.NamesEqual(c.Shortname, localname, caseInsensitive) {
			return c
		}
	}
	return nil
}
