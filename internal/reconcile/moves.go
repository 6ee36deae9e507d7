package reconcile

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pearsync/pearsync/internal/cloud"
	"github.com/pearsync/pearsync/internal/filesystem"
	"github.com/pearsync/pearsync/internal/localtree"
	"github.com/pearsync/pearsync/internal/logging"
	"github.com/pearsync/pearsync/internal/metrics"
	"github.com/pearsync/pearsync/pkg/syncpath"
)

// findByFsid looks the move source up by fsid within this sync. A match must
// agree on type. It does not compare mtime or size; checkLocalMovesRenames
// does that for files and treats a mismatch as coincidental fsid reuse.
func (s *Sync) findByFsid(fn *filesystem.FSNode) *localtree.Node {
	source := s.tree.NodeByFsid(fn.Fsid)
	if source == nil || source.Type != fn.Type {
		return nil
	}
	return source
}

// checkLocalMovesRenames detects that a filesystem entry is the old content
// of a tracked node under a new name or parent, and propagates the move to
// the cloud. handled is true when the row needs no further processing this
// tick.
func (s *Sync) checkLocalMovesRenames(row, parentRow *Row, fullPath syncpath.Path, now time.Time) (handled, rowSynced bool) {
	// Symlinks were already quarantined by syncItem before we get here.
	if row.Sync != nil && row.Sync.Type != row.FS.Type {
		logging.Debug("path changed type, blocked", zap.String("path", fullPath.String()))
		s.setUseBlocked(row.Sync, now)
		return true, false
	}

	source := s.findByFsid(row.FS)
	if source == nil {
		return false, false
	}

	// A file still being rewritten at the source looks like a move of its
	// temporary backup; wait until it is stable.
	if source.Type == filesystem.TypeFile {
		switch s.engine.checkFileStability(source.LocalPath(s.rootPath), now) {
		case ChangeWaiting:
			return true, false
		case ChangeTimedOut:
			logging.Warn("timed out waiting for file to stabilize",
				zap.String("path", fullPath.String()))
		}
	}

	logging.Debug("move detected by fsid",
		zap.String("new_path", fullPath.String()),
		zap.String("old_name", source.Localname))

	// Catch a deletion/creation cycle that reissued the same fsid: treat as
	// different content and fall back to comparison by fingerprint.
	if source.Type == filesystem.TypeFile &&
		(source.Fingerprint.MTime != row.FS.MTime || source.Fingerprint.Size != row.FS.Size) {
		logging.Debug("detaching fsid, coincidental reuse", zap.String("path", fullPath.String()))
		row.FS.Fsid = filesystem.UndefFsid
		return false, false
	}

	sourceCloud := s.engine.client.NodeByHandle(source.SyncedCloudHandle)
	targetCloud := s.engine.client.NodeByHandle(parentRow.Sync.SyncedCloudHandle)

	if sourceCloud != nil && sourceCloud.PendingCommands {
		// Come back once the in-flight commands have landed.
		logging.Debug("commands already in progress for move source",
			zap.String("path", fullPath.String()))
		s.engine.flags.ActionedMovesRenames = true
		return true, false
	}

	if sourceCloud == nil || targetCloud == nil {
		logging.Debug("source or target unavailable for move", zap.String("path", fullPath.String()))
		return false, false
	}

	newName := row.FS.Localname
	if newName == sourceCloud.Name {
		newName = ""
	}

	if sourceCloud.Parent == targetCloud && newName == "" {
		// The move has already landed; the row reconciles as synced.
		logging.Debug("move/rename has completed", zap.String("path", fullPath.String()))
		return false, false
	}

	if row.Cloud != nil && row.Cloud != sourceCloud {
		logging.Debug("moving replaced node to cloud debris", zap.String("name", row.Cloud.Name))
		if err := s.engine.client.MoveToSyncDebris(row.Cloud, s.inShare); err != nil {
			logging.Error("failed to move replaced node to debris", zap.Error(err))
		}
	}

	if sourceCloud.Parent == targetCloud {
		// Same parent, new name: rename in place.
		logging.Debug("renaming cloud node",
			zap.String("from", sourceCloud.Name), zap.String("to", newName))
		err := s.engine.client.SetAttributes(sourceCloud, map[string]string{cloud.AttrName: newName})
		if err != nil {
			logging.Error("cloud rename failed", zap.Error(err))
			return false, false
		}
		s.engine.flags.ActionedMovesRenames = true
		metrics.RecordMove("cloud")
		return true, false
	}

	logging.Debug("moving cloud node",
		zap.String("name", sourceCloud.Name), zap.String("new_name", newName))
	err := s.engine.client.Rename(sourceCloud, targetCloud, newName)
	if errors.Is(err, cloud.ErrUnauthorized) {
		logging.Warn("cloud move not permitted", zap.String("path", fullPath.String()))
		return false, false
	}
	if err != nil {
		logging.Error("cloud move failed", zap.Error(err))
		return false, false
	}

	// Command sent; the action packets will land and the row will be
	// recognised as synced from fsNode and cloudNode on a later pass.
	s.engine.flags.ActionedMovesRenames = true
	metrics.RecordMove("cloud")
	return true, false
}

// checkCloudMovesRenames detects that a cloud node with known local state
// has appeared in a new location, and applies the corresponding local
// rename.
func (s *Sync) checkCloudMovesRenames(row, parentRow *Row, fullPath syncpath.Path, now time.Time) (handled, rowSynced bool) {
	if row.Sync != nil && row.Sync.Type != row.Cloud.Type {
		logging.Debug("cloud node changed type, blocked", zap.String("path", fullPath.String()))
		s.setUseBlocked(row.Sync, now)
		return true, false
	}

	source := s.tree.NodeByHandle(row.Cloud.Handle)
	if source == nil || source == row.Sync {
		return false, false
	}
	sourcePath := source.LocalPath(s.rootPath)
	if !s.engine.fs.Exists(sourcePath) {
		// Nothing on disk to move; let the row materialize normally.
		return false, false
	}

	logging.Debug("renaming from the previous location",
		zap.String("from", sourcePath.String()), zap.String("to", fullPath.String()))

	err := s.engine.fs.Rename(sourcePath, fullPath)
	if err == nil {
		s.engine.flags.ActionedMovesRenames = true
		metrics.RecordMove("local")

		// Let nodes be created at the new location and removed at the old:
		// rescan both parents.
		if source.Parent != nil {
			source.Parent.Raise(localtree.FlagScanAgain, localtree.ActionHere)
		}
		parentRow.Sync.Raise(localtree.FlagScanAgain, localtree.ActionHere)
		return true, false
	}
	if filesystem.IsTransient(err) {
		if row.Sync != nil {
			s.setUseBlocked(row.Sync, now)
		} else {
			s.setUseBlocked(source, now)
		}
		return true, false
	}
	logging.Error("local rename failed", zap.String("path", fullPath.String()), zap.Error(err))
	return false, false
}
