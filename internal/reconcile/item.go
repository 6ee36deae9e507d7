package reconcile

import (
	"time"

	"go.uber.org/zap"

	"github.com/pearsync/pearsync/internal/cloud"
	"github.com/pearsync/pearsync/internal/filesystem"
	"github.com/pearsync/pearsync/internal/localtree"
	"github.com/pearsync/pearsync/internal/logging"
	"github.com/pearsync/pearsync/internal/metrics"
	"github.com/pearsync/pearsync/pkg/syncpath"
)

// syncEqualCloud reports whether a cloud node still matches the synced
// state. Names are assumed to match already; handles are not compared — when
// everything else matches, the handle is recorded.
func syncEqualCloud(c *cloud.Node, ln *localtree.Node) bool {
	if c.Type != ln.Type {
		return false
	}
	if c.Type != filesystem.TypeFile {
		return true
	}
	return c.Fingerprint.Equal(ln.Fingerprint)
}

// syncEqualFS reports whether a filesystem snapshot still matches the synced
// state. Fsids are not compared — when everything else matches, the fsid is
// recorded.
func syncEqualFS(fn *filesystem.FSNode, ln *localtree.Node) bool {
	if fn.Type != ln.Type {
		return false
	}
	if fn.Type != filesystem.TypeFile {
		return true
	}
	return fn.Fingerprint.Equal(ln.Fingerprint)
}

// syncItem applies the per-row decision table. It returns true when the row
// is synced; false keeps the folder unsynced so it is revisited.
func (s *Sync) syncItem(row, parentRow *Row, fullPath syncpath.Path, now time.Time) bool {
	// Shortname records can be stale after a restore; refresh from the scan.
	if row.Sync != nil && row.FS != nil && row.FS.Shortname != "" &&
		row.Sync.Shortname != row.FS.Shortname {
		logging.Warn("updating shortname",
			zap.String("path", fullPath.String()),
			zap.String("was", row.Sync.Shortname), zap.String("now", row.FS.Shortname))
		row.Sync.SetNameParent(row.Sync.Parent, row.Sync.Name, row.Sync.Localname, row.FS.Shortname)
		s.statecacheadd(row.Sync)
	}

	if row.Sync != nil {
		if row.Sync.UseBlocked >= localtree.ActionHere {
			if !row.Sync.Rare().UseBlockedTimer.Expired(now) {
				logging.Debug("waiting on use-blocked timer", zap.String("path", fullPath.String()))
				return false
			}
		}
		if row.Sync.ScanBlocked >= localtree.ActionHere {
			if row.Sync.Rare().ScanBlockedTimer.Expired(now) {
				logging.Debug("scan-blocked timer elapsed, rescanning parent",
					zap.String("path", fullPath.String()))
				parentRow.Sync.Raise(localtree.FlagScanAgain, localtree.ActionHere)
			} else {
				logging.Debug("waiting on scan-blocked timer", zap.String("path", fullPath.String()))
				return false
			}
		}

		// A node materialized from a blocked entry has no type yet;
		// complete it once a scan succeeds.
		if row.Sync.Type == filesystem.TypeUnknown && row.FS != nil &&
			row.FS.Type != filesystem.TypeUnknown {
			row.Sync.Type = row.FS.Type
			if row.FS.Type == filesystem.TypeFile {
				row.Sync.Fingerprint = row.FS.Fingerprint
			}
			s.statecacheadd(row.Sync)
		}

		// Clear block flags; anything still blocked below will set them
		// again this pass.
		if row.Sync.UseBlocked >= localtree.DescendantFlagged {
			row.Sync.UseBlocked = localtree.Resolved
			row.Sync.Rare().UseBlockedTimer = nil
		}
		if row.Sync.ScanBlocked >= localtree.DescendantFlagged {
			row.Sync.ScanBlocked = localtree.Resolved
			row.Sync.Rare().ScanBlockedTimer = nil
		}
	}

	if row.FS != nil && row.FS.IsSymlink {
		// Symlinks are never synced; quarantine behind the block timer.
		logging.Debug("path is a symlink, blocked", zap.String("path", fullPath.String()))
		if row.Sync == nil {
			s.resolveMakeNodeFromFS(row, parentRow, fullPath)
		}
		s.setUseBlocked(row.Sync, now)
		return false
	}

	if row.FS != nil && (row.FS.Type == filesystem.TypeUnknown || row.FS.IsBlocked) {
		// The scanner could not read this entry; block it and retry later.
		logging.Debug("entry was blocked when reading directory",
			zap.String("path", fullPath.String()))
		if row.Sync == nil {
			s.resolveMakeNodeFromFS(row, parentRow, fullPath)
		}
		s.setScanBlocked(row.Sync, now)
		return false
	}

	// Detect and propagate local moves/renames before the row decision, so
	// the eight cases below need no duplicate checks.
	if row.FS != nil && (row.Sync == nil ||
		(row.Sync.Fsid != filesystem.UndefFsid && row.Sync.Fsid != row.FS.Fsid)) {
		if handled, rowSynced := s.checkLocalMovesRenames(row, parentRow, fullPath, now); handled {
			return rowSynced
		}
	}
	if row.Cloud != nil && (row.Sync == nil ||
		(row.Sync.SyncedCloudHandle != cloud.UndefHandle &&
			row.Sync.SyncedCloudHandle != row.Cloud.Handle)) {
		if handled, rowSynced := s.checkCloudMovesRenames(row, parentRow, fullPath, now); handled {
			return rowSynced
		}
	}

	switch {
	case row.Sync != nil && row.FS != nil && row.Cloud != nil:
		cloudEqual := syncEqualCloud(row.Cloud, row.Sync)
		fsEqual := syncEqualFS(row.FS, row.Sync)
		switch {
		case cloudEqual && fsEqual:
			// Synced; record identity if it drifted.
			if row.Sync.Fsid != row.FS.Fsid || row.Sync.SyncedCloudHandle != row.Cloud.Handle {
				logging.Debug("row is synced, recording fsid and handle",
					zap.String("path", fullPath.String()))
				row.Sync.SetFsid(row.FS.Fsid)
				row.Sync.SetSyncedHandle(row.Cloud.Handle)
				s.statecacheadd(row.Sync)
			}
			row.Sync.PendingTransfer = nil
			metrics.RecordRowResolved("synced")
			return true
		case cloudEqual:
			// Filesystem changed; put the change.
			return s.resolveUpsync(row, parentRow, fullPath)
		case fsEqual:
			// Cloud changed; get the change.
			return s.resolveDownsync(row, parentRow, fullPath, true, now)
		default:
			// Both changed; we cannot decide without the user.
			return s.resolveUserIntervention(row, parentRow, fullPath)
		}

	case row.Sync != nil && row.FS != nil:
		if row.Sync.SyncedCloudHandle == cloud.UndefHandle {
			// Cloud item never existed; upsync.
			return s.resolveUpsync(row, parentRow, fullPath)
		}
		// Cloud item disappeared; quarantine the local copy.
		return s.resolveCloudNodeGone(row, parentRow, fullPath)

	case row.Sync != nil && row.Cloud != nil:
		if row.Sync.Fsid != filesystem.UndefFsid {
			// Used to exist locally; remove in the cloud.
			return s.resolveFsNodeGone(row, parentRow, fullPath)
		}
		// Local item never existed; downsync.
		return s.resolveDownsync(row, parentRow, fullPath, false, now)

	case row.Sync != nil:
		// Both sides gone; drop the synced state too.
		return s.resolveDelSyncNode(row, parentRow, fullPath)

	case row.FS != nil && row.Cloud != nil:
		// Untracked pair: join when equal, else decide or report.
		switch {
		case row.FS.Type != row.Cloud.Type:
			return s.resolveUserIntervention(row, parentRow, fullPath)
		case row.FS.Type != filesystem.TypeFile || row.FS.Fingerprint.Equal(row.Cloud.Fingerprint):
			return s.resolveMakeNodeFromFS(row, parentRow, fullPath)
		default:
			return s.resolvePickWinner(row, parentRow, fullPath)
		}

	case row.FS != nil:
		// New local entry; moves were already ruled out above.
		return s.resolveMakeNodeFromFS(row, parentRow, fullPath)

	case row.Cloud != nil:
		// New cloud entry; moves were already ruled out above.
		return s.resolveMakeNodeFromCloud(row, parentRow, fullPath)

	default:
		return true
	}
}

// resolveMakeNodeFromFS materializes synced state for a new local entry.
func (s *Sync) resolveMakeNodeFromFS(row, parentRow *Row, fullPath syncpath.Path) bool {
	logging.Debug("creating node from filesystem", zap.String("path", fullPath.String()))
	n := s.tree.NewNode(row.FS.Type, row.FS.Localname)
	row.Sync = n

	if row.FS.Type == filesystem.TypeFile {
		n.Fingerprint = row.FS.Fingerprint
	}
	n.SetNameParent(parentRow.Sync, row.FS.Localname, row.FS.Localname, row.FS.Shortname)
	n.SetFsid(row.FS.Fsid)

	if n.Type != filesystem.TypeFile {
		n.Raise(localtree.FlagScanAgain, localtree.ActionSubtree)
	}
	s.statecacheadd(n)
	parentRow.Sync.Raise(localtree.FlagScanAgain, localtree.ActionHere)
	metrics.RecordRowResolved("new_local")
	return false
}

// resolveMakeNodeFromCloud materializes synced state for a new cloud entry.
func (s *Sync) resolveMakeNodeFromCloud(row, parentRow *Row, fullPath syncpath.Path) bool {
	logging.Debug("creating node from cloud", zap.String("path", fullPath.String()))
	n := s.tree.NewNode(row.Cloud.Type, row.Cloud.Name)
	row.Sync = n

	if row.Cloud.Type == filesystem.TypeFile {
		n.Fingerprint = row.Cloud.Fingerprint
	}
	n.SetNameParent(parentRow.Sync, row.Cloud.Name, row.Cloud.Name, "")
	n.SetSyncedHandle(row.Cloud.Handle)

	if n.Type != filesystem.TypeFile {
		n.Raise(localtree.FlagScanAgain, localtree.ActionSubtree)
	}
	s.statecacheadd(n)
	parentRow.Sync.Raise(localtree.FlagScanAgain, localtree.ActionHere)
	metrics.RecordRowResolved("new_cloud")
	return false
}

// resolveDelSyncNode drops synced state once both sides are gone and all
// scans and moves have settled.
func (s *Sync) resolveDelSyncNode(row, parentRow *Row, fullPath syncpath.Path) bool {
	if s.engine.flags.ScansAndMovesComplete {
		logging.Debug("dropping node, both sides gone", zap.String("path", fullPath.String()))
		row.Sync.Destroy()
		row.Sync = nil
		metrics.RecordRowResolved("deleted")
	}
	return false
}

// resolveUpsync pushes a local change to the cloud.
func (s *Sync) resolveUpsync(row, parentRow *Row, fullPath syncpath.Path) bool {
	if row.FS.Type == filesystem.TypeFile {
		if !row.FS.Fingerprint.Valid {
			// Never ship content we could not fingerprint; rescan instead.
			logging.Debug("no valid fingerprint yet, rescanning",
				zap.String("path", fullPath.String()))
			parentRow.Sync.Raise(localtree.FlagScanAgain, localtree.ActionHere)
			return false
		}
		if row.Sync.PendingTransfer != nil {
			logging.Debug("upload already in progress", zap.String("path", fullPath.String()))
			return false
		}
		if parentRow.Cloud == nil {
			logging.Debug("parent cloud folder to upload to does not exist yet",
				zap.String("path", fullPath.String()))
			return false
		}
		logging.Debug("uploading file", zap.String("path", fullPath.String()))
		t := &cloud.Transfer{
			Direction:    cloud.Upload,
			LocalPath:    fullPath,
			ParentHandle: parentRow.Cloud.Handle,
			Name:         row.Sync.Name,
			Fingerprint:  row.FS.Fingerprint,
		}
		if err := s.engine.client.StartTransfer(t); err != nil {
			logging.Error("unable to start upload", zap.String("path", fullPath.String()), zap.Error(err))
			return false
		}
		row.Sync.PendingTransfer = t
		metrics.RecordTransfer("up")
	} else {
		if parentRow.Cloud == nil {
			return false
		}
		logging.Debug("creating cloud folder", zap.String("path", fullPath.String()))
		err := s.engine.client.PutNodes(parentRow.Cloud.Handle, []cloud.NewNode{
			{Name: row.Sync.Name, Type: filesystem.TypeDir},
		})
		if err != nil {
			logging.Error("unable to create cloud folder", zap.String("path", fullPath.String()), zap.Error(err))
		}
	}
	metrics.RecordRowResolved("upsync")
	return false
}

// resolveDownsync pulls a cloud change down locally.
func (s *Sync) resolveDownsync(row, parentRow *Row, fullPath syncpath.Path, alreadyExists bool, now time.Time) bool {
	if row.Cloud.Type == filesystem.TypeFile {
		if row.Sync != nil && row.Sync.PendingTransfer != nil {
			logging.Debug("download already in progress", zap.String("path", fullPath.String()))
			return false
		}
		logging.Debug("fetching file", zap.String("path", fullPath.String()))
		t := &cloud.Transfer{
			Direction:    cloud.Download,
			LocalPath:    fullPath,
			SourceHandle: row.Cloud.Handle,
			Name:         row.Cloud.Name,
			Fingerprint:  row.Cloud.Fingerprint,
		}
		if err := s.engine.client.StartTransfer(t); err != nil {
			logging.Error("unable to start download", zap.String("path", fullPath.String()), zap.Error(err))
			return false
		}
		if row.Sync != nil {
			row.Sync.PendingTransfer = t
		}
		metrics.RecordTransfer("down")
	} else {
		logging.Debug("creating local folder", zap.String("path", fullPath.String()))
		if err := s.engine.fs.Mkdir(fullPath); err != nil {
			// Blocked either way; the user is alerted through the flag.
			logging.Debug("error creating local folder, marking blocked",
				zap.String("path", fullPath.String()), zap.Error(err))
			s.setUseBlocked(row.Sync, now)
			return false
		}
		parentRow.Sync.Raise(localtree.FlagScanAgain, localtree.ActionHere)
	}
	metrics.RecordRowResolved("downsync")
	return false
}

// resolveUserIntervention reports a conflict neither side can win
// automatically. Nothing is written on either side.
func (s *Sync) resolveUserIntervention(row, parentRow *Row, fullPath syncpath.Path) bool {
	logging.Warn("conflict requires user intervention", zap.String("path", fullPath.String()))
	parentRow.Sync.Raise(localtree.FlagConflicts, localtree.ActionHere)
	metrics.RecordConflict()
	metrics.RecordRowResolved("user_intervention")
	return false
}

// resolvePickWinner joins an untracked, unequal file pair by recording the
// older side as the synced state, so the newer side propagates on the next
// pass.
func (s *Sync) resolvePickWinner(row, parentRow *Row, fullPath syncpath.Path) bool {
	logging.Debug("picking winner by modification time", zap.String("path", fullPath.String()))
	n := s.tree.NewNode(filesystem.TypeFile, row.FS.Localname)
	row.Sync = n

	if row.FS.MTime >= row.Cloud.Fingerprint.MTime {
		// Local is newer: record the cloud state so the next pass upsyncs.
		n.Fingerprint = row.Cloud.Fingerprint
	} else {
		// Cloud is newer: record the local state so the next pass downsyncs.
		n.Fingerprint = row.FS.Fingerprint
		n.SetFsid(row.FS.Fsid)
	}
	n.SetNameParent(parentRow.Sync, row.FS.Localname, row.FS.Localname, row.FS.Shortname)
	n.SetSyncedHandle(row.Cloud.Handle)
	s.statecacheadd(n)
	metrics.RecordRowResolved("pick_winner")
	return false
}

// resolveCloudNodeGone quarantines the local copy of a deleted cloud node.
func (s *Sync) resolveCloudNodeGone(row, parentRow *Row, fullPath syncpath.Path) bool {
	if s.engine.flags.ScansAndMovesComplete {
		// Had the cloud node moved somewhere visible, the corresponding
		// local move would already have happened.
		logging.Debug("moving local item to local debris", zap.String("path", fullPath.String()))
		if err := s.debris.Move(fullPath); err == nil {
			row.SuppressRecursion = true
			parentRow.Sync.Raise(localtree.FlagScanAgain, localtree.ActionHere)
		} else {
			logging.Error("failed to move to local debris",
				zap.String("path", fullPath.String()), zap.Error(err))
		}
		metrics.RecordRowResolved("cloud_gone")
	}
	return false
}

// resolveFsNodeGone moves the cloud node of a locally deleted entry to the
// server-side sync debris.
func (s *Sync) resolveFsNodeGone(row, parentRow *Row, fullPath syncpath.Path) bool {
	if s.engine.flags.ScansAndMovesComplete && !row.Sync.Deleting {
		logging.Debug("moving cloud item to cloud debris", zap.String("path", fullPath.String()))
		if err := s.engine.client.MoveToSyncDebris(row.Cloud, s.inShare); err != nil {
			logging.Error("failed to move to cloud debris",
				zap.String("path", fullPath.String()), zap.Error(err))
		} else {
			row.Sync.Deleting = true
			metrics.RecordRowResolved("fs_gone")
		}
	}
	if row.Sync.Deleting {
		row.SuppressRecursion = true
	}
	return false
}
