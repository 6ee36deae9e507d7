package statecache

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pearsync/pearsync/internal/cloud"
	"github.com/pearsync/pearsync/internal/filesystem"
	"github.com/pearsync/pearsync/internal/localtree"
	"github.com/pearsync/pearsync/internal/logging"
	"github.com/pearsync/pearsync/internal/metrics"
	"github.com/pearsync/pearsync/pkg/fingerprint"
)

// maxRestoreDepth bounds tree reconstruction against corrupt parent links.
const maxRestoreDepth = 100

// record is the serialized form of one node row.
type record struct {
	ParentDBID  uint32 `json:"p"`
	Name        string `json:"n"`
	Localname   string `json:"ln"`
	Shortname   string `json:"sn,omitempty"`
	Type        int    `json:"t"`
	Fsid        uint64 `json:"fsid"`
	Size        int64  `json:"s,omitempty"`
	MTime       int64  `json:"mt,omitempty"`
	Sum         uint64 `json:"sum,omitempty"`
	FPValid     bool   `json:"fpv,omitempty"`
	CloudHandle uint64 `json:"h"`
}

// Cache accumulates pending node additions and deletions for one sync and
// drains them into the node table. The root node is never persisted; its
// children carry parent id 0.
type Cache struct {
	table   *Table
	insertQ map[*localtree.Node]struct{}
	deleteQ map[uint32]struct{}
}

// New wraps a node table.
func New(table *Table) *Cache {
	return &Cache{
		table:   table,
		insertQ: make(map[*localtree.Node]struct{}),
		deleteQ: make(map[uint32]struct{}),
	}
}

// Add queues a node for persistence.
func (c *Cache) Add(n *localtree.Node) {
	if n.IsRoot() {
		return
	}
	if n.DBID != 0 {
		delete(c.deleteQ, n.DBID)
	}
	c.insertQ[n] = struct{}{}
}

// Del queues a node's row for deletion.
func (c *Cache) Del(n *localtree.Node) {
	delete(c.insertQ, n)
	if n.DBID != 0 {
		c.deleteQ[n.DBID] = struct{}{}
	}
}

// Pending reports whether anything is queued.
func (c *Cache) Pending() bool {
	return len(c.insertQ) > 0 || len(c.deleteQ) > 0
}

// Flush applies all queued deletions, then drains additions in repeated
// sweeps: a node is written only once its parent has a row id. A full pass
// without progress leaves residue, which is logged as a caching failure.
func (c *Cache) Flush() error {
	if !c.Pending() {
		return nil
	}

	start := time.Now()
	logging.Debug("saving node database",
		zap.Int("additions", len(c.insertQ)), zap.Int("deletions", len(c.deleteQ)))

	if err := c.table.Begin(); err != nil {
		return err
	}

	for id := range c.deleteQ {
		if err := c.table.Del(id); err != nil {
			_ = c.table.Abort()
			return err
		}
		metrics.RecordStateCacheWrite("del")
	}
	c.deleteQ = make(map[uint32]struct{})

	for added := true; added; {
		added = false
		for n := range c.insertQ {
			switch {
			case n.Type == filesystem.TypeUnknown:
				delete(c.insertQ, n)
			case n.Parent != nil && (n.Parent.DBID != 0 || n.Parent.IsRoot()):
				if err := c.put(n); err != nil {
					_ = c.table.Abort()
					return err
				}
				delete(c.insertQ, n)
				added = true
			}
		}
	}

	if err := c.table.Commit(); err != nil {
		return err
	}
	metrics.RecordStateCacheCommit(time.Since(start))

	if len(c.insertQ) > 0 {
		logging.Error("node caching did not complete", zap.Int("residue", len(c.insertQ)))
	}
	return nil
}

func (c *Cache) put(n *localtree.Node) error {
	if n.DBID == 0 {
		n.DBID = c.table.NextID()
	}
	rec := record{
		ParentDBID:  n.Parent.DBID,
		Name:        n.Name,
		Localname:   n.Localname,
		Shortname:   n.Shortname,
		Type:        int(n.Type),
		Fsid:        uint64(n.Fsid),
		CloudHandle: uint64(n.SyncedCloudHandle),
	}
	if n.Fingerprint.Valid {
		rec.Size = n.Fingerprint.Size
		rec.MTime = n.Fingerprint.MTime
		rec.Sum = n.Fingerprint.Sum
		rec.FPValid = true
	}
	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serialize node %s: %w", n.Name, err)
	}
	if err := c.table.Put(n.DBID, plain); err != nil {
		return err
	}
	metrics.RecordStateCacheWrite("put")
	return nil
}

// Truncate drops all persisted rows and pending queues.
func (c *Cache) Truncate() error {
	c.insertQ = make(map[*localtree.Node]struct{})
	c.deleteQ = make(map[uint32]struct{})
	return c.table.Truncate()
}

// Restore rebuilds the tree below its root from the node table, depth-first
// and bounded, and re-indexes fsids and cloud handles. When the volume's
// fsids are not stable across restarts the stored fsids are discarded and
// re-assigned during the initial scan. Returns the number of restored nodes.
func (c *Cache) Restore(tree *localtree.Tree, fsidsStable bool) (int, error) {
	if tree.Root == nil {
		return 0, fmt.Errorf("restore: tree has no root")
	}

	if err := c.table.Rewind(); err != nil {
		return 0, err
	}

	type loaded struct {
		id  uint32
		rec record
	}
	byParent := make(map[uint32][]loaded)
	for {
		id, plain, ok, err := c.table.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		var rec record
		if err := json.Unmarshal(plain, &rec); err != nil {
			logging.Error("unable to unserialize node row", zap.Uint32("id", id), zap.Error(err))
			continue
		}
		byParent[rec.ParentDBID] = append(byParent[rec.ParentDBID], loaded{id: id, rec: rec})
	}

	count := 0
	var attach func(parent *localtree.Node, parentID uint32, depth int)
	attach = func(parent *localtree.Node, parentID uint32, depth int) {
		if depth >= maxRestoreDepth {
			return
		}
		for _, l := range byParent[parentID] {
			rec := l.rec
			n := tree.NewNode(filesystem.NodeType(rec.Type), rec.Name)
			n.DBID = l.id
			if rec.FPValid {
				n.Fingerprint = fingerprint.Fingerprint{
					Size: rec.Size, MTime: rec.MTime, Sum: rec.Sum, Valid: true,
				}
			}
			n.SetNameParent(parent, rec.Name, rec.Localname, rec.Shortname)
			fsid := filesystem.UndefFsid
			if fsidsStable {
				fsid = filesystem.Fsid(rec.Fsid)
			}
			n.SetFsid(fsid)
			n.SetSyncedHandle(cloud.Handle(rec.CloudHandle))
			if fsid == filesystem.UndefFsid {
				parent.Assigned = false
			}
			count++
			attach(n, l.id, depth+1)
		}
	}
	attach(tree.Root, 0, 0)
	return count, nil
}
