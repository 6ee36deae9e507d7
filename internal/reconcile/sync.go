// Package reconcile drives the bidirectional tree reconciliation: it joins
// filesystem, synced-state and cloud views of each directory into rows,
// decides per row between upload, download, move propagation, conflict
// signalling and deletion, and persists the synced state as it goes. All of
// it runs on a single goroutine; only directory enumeration is delegated to
// the scan service.
package reconcile

import (
	"time"

	"go.uber.org/zap"

	"github.com/pearsync/pearsync/internal/cloud"
	"github.com/pearsync/pearsync/internal/debris"
	"github.com/pearsync/pearsync/internal/filesystem"
	"github.com/pearsync/pearsync/internal/localtree"
	"github.com/pearsync/pearsync/internal/logging"
	"github.com/pearsync/pearsync/internal/scan"
	"github.com/pearsync/pearsync/internal/statecache"
	"github.com/pearsync/pearsync/internal/syncconfig"
	"github.com/pearsync/pearsync/pkg/syncpath"
)

const (
	// scanDebounce is the minimum interval between scans of one folder.
	scanDebounce = 2 * time.Second

	// fileUpdateDelay is how long a file's size and mtime must be stable
	// before a move away from it is trusted.
	fileUpdateDelay = 3 * time.Second

	// fileUpdateMaxDelay caps how long a move waits for stability.
	fileUpdateMaxDelay = 60 * time.Second

	// LocalDebrisName is the per-sync quarantine directory under the root.
	LocalDebrisName = ".debris"
)

// SyncError identifies why a sync stopped or degraded.
type SyncError int

const (
	ErrNone SyncError = iota
	ErrLocalPathUnavailable
	ErrCloudRootMissing
	ErrVolumeMismatch
	ErrStateCacheFailure
)

func (e SyncError) String() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrLocalPathUnavailable:
		return "local path unavailable"
	case ErrCloudRootMissing:
		return "cloud root missing"
	case ErrVolumeMismatch:
		return "filesystem volume mismatch"
	default:
		return "state cache failure"
	}
}

// Sync reconciles one configured local/cloud directory pair.
type Sync struct {
	engine *Engine
	config syncconfig.Config

	tree   *localtree.Tree
	cache  *statecache.Cache
	debris *debris.Mover

	rootPath        syncpath.Path
	debrisPath      syncpath.Path
	cloudRoot       cloud.Handle
	caseInsensitive bool
	inShare         bool

	state       syncconfig.State
	errCode     SyncError
	initialScan bool

	// One scan in flight at a time, matched back to its target folder.
	scanRequest *scan.Request
	scanTarget  *localtree.Node
}

// Tag returns the sync's stable identifier.
func (s *Sync) Tag() int {
	return s.config.Tag
}

// State returns the current run state.
func (s *Sync) State() syncconfig.State {
	return s.state
}

// Error returns the current sync-level error code.
func (s *Sync) Error() SyncError {
	return s.errCode
}

// Tree exposes the synced-state tree for inspection.
func (s *Sync) Tree() *localtree.Tree {
	return s.tree
}

// changestate records a state or error transition and persists the new
// user-visible state. Transitions out of terminal states do not happen.
func (s *Sync) changestate(newState syncconfig.State, code SyncError) {
	if newState == s.state && code == s.errCode {
		return
	}
	logging.Debug("sync state changing",
		zap.Int("tag", s.config.Tag),
		zap.Stringer("from", s.state), zap.Stringer("to", newState),
		zap.String("error", code.String()))

	if newState != syncconfig.StateCanceled {
		s.config.State = newState
		if err := s.engine.configs.Insert(s.config); err != nil {
			logging.Error("unable to persist sync state", zap.Int("tag", s.config.Tag), zap.Error(err))
		}
	}
	s.state = newState
	s.errCode = code
}

// Suspend pauses reconciliation without forgetting anything.
func (s *Sync) Suspend() {
	if !s.state.Terminal() {
		s.changestate(syncconfig.StateSuspended, s.errCode)
	}
}

// Resume reactivates a suspended sync.
func (s *Sync) Resume() {
	if s.state == syncconfig.StateSuspended {
		s.changestate(syncconfig.StateActive, ErrNone)
		s.tree.Root.Raise(localtree.FlagScanAgain, localtree.ActionSubtree)
	}
}

// statecacheadd queues a node for persistence; a no-op in terminal states.
func (s *Sync) statecacheadd(n *localtree.Node) {
	if s.state.Terminal() {
		return
	}
	s.cache.Add(n)
}

// statecachedel queues a node's row for removal; a no-op in terminal states.
func (s *Sync) statecachedel(n *localtree.Node) {
	if s.state.Terminal() {
		return
	}
	s.cache.Del(n)
}

// cachenodes drains the pending cache queues while the sync is running.
func (s *Sync) cachenodes() {
	if s.state != syncconfig.StateActive && !s.initialScan {
		return
	}
	if err := s.cache.Flush(); err != nil {
		logging.Error("state cache flush failed", zap.Int("tag", s.config.Tag), zap.Error(err))
		s.changestate(syncconfig.StateFailed, ErrStateCacheFailure)
	}
}

// tick runs one reconciliation pass from the root.
func (s *Sync) tick(now time.Time) {
	if s.state != syncconfig.StateActive {
		return
	}
	if !s.engine.fs.Exists(s.rootPath) {
		s.changestate(syncconfig.StateFailed, ErrLocalPathUnavailable)
		return
	}
	cloudRoot := s.engine.client.NodeByHandle(s.cloudRoot)
	if cloudRoot == nil {
		s.changestate(syncconfig.StateFailed, ErrCloudRootMissing)
		return
	}

	// A scan whose target was destroyed would never be consumed; free the
	// slot so other folders can scan.
	if s.scanTarget != nil && s.scanTarget.Destroyed() {
		s.scanRequest = nil
		s.scanTarget = nil
	}

	row := &Row{Cloud: cloudRoot, Sync: s.tree.Root}
	synced := s.recursiveSync(row, s.rootPath, now)

	if synced && s.initialScan && s.engine.flags.ScansAndMovesComplete {
		s.initialScan = false
		logging.Info("initial scan complete",
			zap.Int("tag", s.config.Tag), zap.Int("nodes", s.tree.CountNodes()))
	}
}

// recursiveSync processes one directory row: consume or request scans, build
// triplets, apply per-row decisions, then descend. Renames within the folder
// complete before descent.
func (s *Sync) recursiveSync(row *Row, localPath syncpath.Path, now time.Time) bool {
	node := row.Sync

	// Nothing to do in this subtree?
	if node.ScanAgain == localtree.Resolved && node.SyncAgain == localtree.Resolved {
		return true
	}

	// Pass subtree-wide demands down so the flag can clear at this level.
	for _, child := range node.Children {
		if child.Type != filesystem.TypeFile {
			child.ScanAgain = localtree.PropagateSubtree(node.ScanAgain, child.ScanAgain)
			child.SyncAgain = localtree.PropagateSubtree(node.SyncAgain, child.SyncAgain)
		}
	}

	wasSynced := node.SyncAgain < localtree.ActionHere
	syncHere := !wasSynced

	var effective []filesystem.FSNode

	if node.ScanAgain >= localtree.ActionHere {
		s.engine.flags.PerformedScans = true

		switch {
		case s.scanRequest == nil && now.Sub(node.LastScanTime) >= scanDebounce:
			logging.Debug("requesting scan", zap.String("path", localPath.String()))
			s.scanRequest = s.engine.scans.Scan(scan.Target{
				Path:           localPath,
				DebrisPath:     s.debrisPath,
				FollowSymlinks: s.engine.followSymlinks,
				Known:          s.knownChildren(node),
				Wake:           s.engine.wake,
			})
			s.scanTarget = node
			syncHere = false
		case s.scanRequest != nil && s.scanTarget == node && s.scanRequest.Completed():
			logging.Debug("received scan results", zap.String("path", localPath.String()))
			// An empty batch is still an authoritative scan; keep it
			// distinct from "no scan pending".
			node.LastFolderScan = s.scanRequest.Results()
			if node.LastFolderScan == nil {
				node.LastFolderScan = []filesystem.FSNode{}
			}
			node.LastScanTime = now
			s.scanRequest = nil
			s.scanTarget = nil
			node.ScanAgain = localtree.Resolved
			node.Raise(localtree.FlagSyncAgain, localtree.ActionHere)
			syncHere = true
		default:
			syncHere = false
		}
	} else {
		// Restored at the end of the function if anything below still
		// needs it.
		node.ScanAgain = localtree.Resolved
	}

	// Effective children come from the last scan when present, else are
	// reconstructed from the synced state for cloud-only reconciliation.
	if node.LastFolderScan != nil {
		effective = node.LastFolderScan
	} else {
		effective = make([]filesystem.FSNode, 0, len(node.Children))
		for _, child := range node.Children {
			if child.Fsid != filesystem.UndefFsid {
				effective = append(effective, child.AsFSNode())
			}
		}
	}

	childRows := computeTriplets(row.Cloud, node, effective, s.caseInsensitive)

	folderSynced := syncHere
	subfoldersSynced := true
	fsidsAssigned := false

	node.Conflicts = localtree.Resolved
	if row.Cloud != nil && row.Cloud.PendingCommands {
		syncHere = false
	}

	for _, firstPass := range []bool{true, false} {
		for _, childRow := range childRows {
			if childRow.HasClashes() {
				node.Raise(localtree.FlagConflicts, localtree.ActionHere)
				if childRow.Cloud == nil && childRow.Sync == nil && childRow.FS == nil {
					continue
				}
			}

			childPath := localPath.Append(childRow.Localname())

			// Re-associate restored nodes with their current fsids before
			// the first full pass completes.
			if firstPass && s.initialScan && !node.Assigned {
				if ln, fn := childRow.Sync, childRow.FS; ln != nil && ln.Fsid == filesystem.UndefFsid &&
					fn != nil && syncEqualFS(fn, ln) {
					ln.SetFsid(fn.Fsid)
					s.statecacheadd(ln)
					fsidsAssigned = true
				}
			}

			if firstPass {
				if syncHere {
					if !s.syncItem(childRow, row, childPath, now) {
						folderSynced = false
					}
				}
			} else if childRow.Sync != nil &&
				childRow.Sync.Type == filesystem.TypeDir &&
				!childRow.SuppressRecursion &&
				!childRow.Sync.Deleting {
				if !s.recursiveSync(childRow, childPath, now) {
					subfoldersSynced = false
				}
			}
		}
	}

	node.Assigned = node.Assigned || fsidsAssigned

	if folderSynced {
		// Synced state is now consistent with the last scan.
		node.LastFolderScan = nil
	}

	if s.engine.flags.ScansAndMovesComplete &&
		((syncHere && folderSynced) || (!syncHere && wasSynced)) {
		node.SyncAgain = localtree.Resolved
	}

	// Recompute this folder's flags from its children.
	for _, child := range node.Children {
		if child.Type == filesystem.TypeFile {
			continue
		}
		if node.Conflicts < localtree.ActionHere {
			node.ScanAgain = localtree.UpdateFromChild(node.ScanAgain, child.ScanAgain)
			node.SyncAgain = localtree.UpdateFromChild(node.SyncAgain, child.SyncAgain)
		}
		node.Conflicts = localtree.UpdateFromChild(node.Conflicts, child.Conflicts)
	}

	return folderSynced && subfoldersSynced
}

// knownChildren snapshots what the tree knows about a folder's children so
// the scanner can reuse unchanged fingerprints.
func (s *Sync) knownChildren(node *localtree.Node) map[string]filesystem.FSNode {
	known := make(map[string]filesystem.FSNode, len(node.Children))
	for _, child := range node.Children {
		if child.Fsid != filesystem.UndefFsid {
			known[child.Localname] = child.AsFSNode()
		}
	}
	return known
}

// setUseBlocked blocks a node behind its back-off timer.
func (s *Sync) setUseBlocked(n *localtree.Node, now time.Time) {
	n.Raise(localtree.FlagUseBlocked, localtree.ActionHere)
	r := n.Rare()
	if r.UseBlockedTimer == nil {
		r.UseBlockedTimer = localtree.NewBlockTimer()
	}
	r.UseBlockedTimer.Arm(now)
}

// setScanBlocked blocks scanning of a node behind its back-off timer.
func (s *Sync) setScanBlocked(n *localtree.Node, now time.Time) {
	n.Raise(localtree.FlagScanBlocked, localtree.ActionHere)
	r := n.Rare()
	if r.ScanBlockedTimer == nil {
		r.ScanBlockedTimer = localtree.NewBlockTimer()
	}
	r.ScanBlockedTimer.Arm(now)
}
