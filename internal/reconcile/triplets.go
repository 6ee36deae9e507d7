package reconcile

import (
	"sort"

	"go.uber.org/zap"

	"github.com/pearsync/pearsync/internal/cloud"
	"github.com/pearsync/pearsync/internal/filesystem"
	"github.com/pearsync/pearsync/internal/localtree"
	"github.com/pearsync/pearsync/internal/logging"
	"github.com/pearsync/pearsync/pkg/syncpath"
)

// Row is one reconciliation unit: up to three aligned views of the same name
// under one directory, plus any names clashing with it on either side.
type Row struct {
	Cloud *cloud.Node
	Sync  *localtree.Node
	FS    *filesystem.FSNode

	CloudClashingNames []*cloud.Node
	FSClashingNames    []*filesystem.FSNode

	// SuppressRecursion stops descent into this row's subtree this tick.
	SuppressRecursion bool
}

// HasClashes reports whether either side contributed clashing names.
func (r *Row) HasClashes() bool {
	return len(r.CloudClashingNames) > 0 || len(r.FSClashingNames) > 0
}

// Localname returns the name the row is known by on the local side.
func (r *Row) Localname() string {
	switch {
	case r.Sync != nil:
		return r.Sync.Localname
	case r.FS != nil:
		return r.FS.Localname
	case r.Cloud != nil:
		return r.Cloud.Name
	default:
		return ""
	}
}

// computeTriplets merge-joins the three child views of one directory into
// rows. Filesystem and sync nodes pair by cloud-canonical name, compared
// case-sensitively; cloud nodes join rows under the volume's own comparison
// rules, since several cloud names may collapse onto one local name. Runs of
// equal names on one side are name clashes: every clashing entry is captured
// on the row, and the primary slot is filled only for the incumbent already
// being synced.
func computeTriplets(cloudParent *cloud.Node, syncParent *localtree.Node, fsNodes []filesystem.FSNode, caseInsensitive bool) []*Row {
	localNodes := make([]*localtree.Node, 0, len(syncParent.Children))
	for _, child := range syncParent.Children {
		localNodes = append(localNodes, child)
	}

	var remoteNodes []*cloud.Node
	if cloudParent != nil {
		remoteNodes = append(remoteNodes, cloudParent.Children...)
	}

	sort.Slice(fsNodes, func(i, j int) bool {
		return fsNodes[i].Localname < fsNodes[j].Localname
	})
	sort.Slice(localNodes, func(i, j int) bool {
		return localNodes[i].Name < localNodes[j].Name
	})

	var rows []*Row

	// Pair filesystem nodes with sync nodes.
	fCurr, lCurr := 0, 0
	for fCurr < len(fsNodes) || lCurr < len(localNodes) {
		fNext := fCurr
		if fCurr < len(fsNodes) {
			for fNext < len(fsNodes) && fsNodes[fNext].Localname == fsNodes[fCurr].Localname {
				fNext++
			}
		}
		lNext := lCurr
		if lCurr < len(localNodes) {
			for lNext < len(localNodes) && localNodes[lNext].Name == localNodes[lCurr].Name {
				lNext++
			}
		}

		var fsNode *filesystem.FSNode
		if fCurr < len(fsNodes) {
			fsNode = &fsNodes[fCurr]
		}
		var syncNode *localtree.Node
		if lCurr < len(localNodes) {
			syncNode = localNodes[lCurr]
		}

		if fsNode != nil && syncNode != nil {
			switch rel := compareStrings(fsNode.Localname, syncNode.Name); {
			case rel < 0:
				syncNode = nil
			case rel > 0:
				fsNode = nil
			}
		}

		row := &Row{Sync: syncNode, FS: fsNode}
		if fsNode != nil && fNext-fCurr > 1 {
			// A run of clashing filesystem names. Keep syncing the entry
			// the incumbent sync node already tracks, but report the clash.
			row.FS = nil
			for i := fCurr; i < fNext; i++ {
				clash := &fsNodes[i]
				logging.Debug("conflicting filesystem name", zap.String("name", clash.Localname))
				row.FSClashingNames = append(row.FSClashingNames, clash)
				if syncNode != nil && clash.Fsid != filesystem.UndefFsid && clash.Fsid == syncNode.Fsid {
					row.FS = clash
				}
			}
		}
		rows = append(rows, row)

		if fsNode != nil {
			fCurr = fNext
		}
		if syncNode != nil {
			lCurr = lNext
		}
	}

	localLess := func(a, b string) bool {
		return syncpath.CompareNames(a, b, caseInsensitive) < 0
	}
	sort.Slice(remoteNodes, func(i, j int) bool {
		return localLess(remoteNodes[i].Name, remoteNodes[j].Name)
	})
	sort.Slice(rows, func(i, j int) bool {
		return localLess(rows[i].Localname(), rows[j].Localname())
	})

	// Link cloud nodes with rows.
	paired := len(rows)
	rCurr, tCurr := 0, 0
	for rCurr < len(remoteNodes) || tCurr < paired {
		rNext := rCurr
		if rCurr < len(remoteNodes) {
			for rNext < len(remoteNodes) &&
				syncpath.NamesEqual(remoteNodes[rNext].Name, remoteNodes[rCurr].Name, caseInsensitive) {
				rNext++
			}
		}
		tNext := tCurr
		if tCurr < paired {
			for tNext < paired &&
				syncpath.NamesEqual(rows[tNext].Localname(), rows[tCurr].Localname(), caseInsensitive) {
				tNext++
			}
		}

		var remoteNode *cloud.Node
		if rCurr < len(remoteNodes) {
			remoteNode = remoteNodes[rCurr]
		}
		var row *Row
		if tCurr < paired {
			row = rows[tCurr]
		}

		if remoteNode != nil && row != nil &&
			!syncpath.NamesEqual(remoteNode.Name, row.Localname(), caseInsensitive) {
			if syncpath.CompareNames(remoteNode.Name, row.Localname(), caseInsensitive) < 0 {
				row = nil
			} else {
				remoteNode = nil
			}
		}
		pairedRow := row

		switch {
		case remoteNode != nil && rNext-rCurr > 1:
			// A run of cloud names collapsing onto one local name.
			if row == nil {
				row = &Row{}
				rows = append(rows, row)
			}
			for i := rCurr; i < rNext; i++ {
				clash := remoteNodes[i]
				logging.Debug("conflicting cloud name", zap.String("name", clash.Name))
				row.CloudClashingNames = append(row.CloudClashingNames, clash)
				if row.Sync != nil && clash.Handle != cloud.UndefHandle &&
					row.Sync.SyncedCloudHandle == clash.Handle {
					row.Cloud = clash
				}
			}
		case row != nil:
			row.Cloud = remoteNode
		default:
			rows = append(rows, &Row{Cloud: remoteNode})
		}

		if pairedRow != nil {
			tCurr = tNext
		}
		if remoteNode != nil {
			rCurr = rNext
		}
	}

	return rows
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
