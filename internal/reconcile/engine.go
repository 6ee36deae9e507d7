package reconcile

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pearsync/pearsync/internal/cloud"
	"github.com/pearsync/pearsync/internal/debris"
	"github.com/pearsync/pearsync/internal/filesystem"
	"github.com/pearsync/pearsync/internal/localtree"
	"github.com/pearsync/pearsync/internal/logging"
	"github.com/pearsync/pearsync/internal/notify"
	"github.com/pearsync/pearsync/internal/scan"
	"github.com/pearsync/pearsync/internal/statecache"
	"github.com/pearsync/pearsync/internal/syncconfig"
	"github.com/pearsync/pearsync/pkg/syncpath"
)

// Flags is engine-wide reconciliation state shared by all syncs.
type Flags struct {
	// PerformedScans records that scans were requested or pending this
	// pass.
	PerformedScans bool

	// ActionedMovesRenames records that move/rename commands were issued
	// and their action packets have not been waited out yet.
	ActionedMovesRenames bool

	// ScansAndMovesComplete is the barrier gating deletions: only when a
	// full pass ran with no scans and no actioned moves may "gone on both
	// sides" be believed.
	ScansAndMovesComplete bool
}

// ChangeState reports whether a file is still being written at its old
// location.
type ChangeState int

const (
	// ChangeStable means size and mtime sat still long enough.
	ChangeStable ChangeState = iota

	// ChangeWaiting means the file changed too recently; check again later.
	ChangeWaiting

	// ChangeTimedOut means stability was never observed within the absolute
	// timeout; proceed anyway.
	ChangeTimedOut
)

type fileChangingState struct {
	initialTS time.Time
	lastCheck time.Time
	lastSize  int64
}

// Options configures an Engine.
type Options struct {
	FS             filesystem.Access
	Client         cloud.Client
	DB             *statecache.DB
	Cipher         *statecache.Cipher
	UserID         string
	ScanWorkers    int
	FollowSymlinks bool
	QueueSize      int
}

// Engine owns the scan service, the notification queue, the sync-config bag
// and the set of running syncs. Everything it touches is confined to the
// goroutine calling Tick.
type Engine struct {
	fs             filesystem.Access
	client         cloud.Client
	db             *statecache.DB
	cipher         *statecache.Cipher
	userID         string
	followSymlinks bool

	scans   *scan.Service
	queue   *notify.Queue
	configs *syncconfig.Bag
	syncs   map[int]*Sync

	flags        Flags
	fileChanging map[string]*fileChangingState

	// wake is signalled by scan workers when results are ready.
	wake chan struct{}
}

// New builds an engine and loads the sync-config registry.
func New(opts Options) (*Engine, error) {
	configs, err := syncconfig.NewBag(opts.DB, opts.Cipher, opts.UserID)
	if err != nil {
		return nil, fmt.Errorf("load sync configs: %w", err)
	}
	return &Engine{
		fs:             opts.FS,
		client:         opts.Client,
		db:             opts.DB,
		cipher:         opts.Cipher,
		userID:         opts.UserID,
		followSymlinks: opts.FollowSymlinks,
		scans:          scan.NewService(opts.FS, opts.ScanWorkers),
		queue:          notify.NewQueue(opts.QueueSize),
		configs:        configs,
		syncs:          make(map[int]*Sync),
		fileChanging:   make(map[string]*fileChangingState),
		wake:           make(chan struct{}, 1),
	}, nil
}

// Queue returns the notification queue producers feed.
func (e *Engine) Queue() *notify.Queue {
	return e.queue
}

// Wake is signalled when background work completes and a tick is worthwhile.
func (e *Engine) Wake() <-chan struct{} {
	return e.wake
}

// Configs exposes the persistent sync-config registry.
func (e *Engine) Configs() *syncconfig.Bag {
	return e.configs
}

// SyncByTag returns a running sync, or nil.
func (e *Engine) SyncByTag(tag int) *Sync {
	return e.syncs[tag]
}

// AddSync starts reconciling one configured pair, restoring any synced state
// persisted for it.
func (e *Engine) AddSync(cfg syncconfig.Config) (*Sync, error) {
	if _, exists := e.syncs[cfg.Tag]; exists {
		return nil, fmt.Errorf("sync %d already running", cfg.Tag)
	}

	rootPath := syncpath.New(cfg.LocalPath)
	info, err := e.fs.Stat(rootPath, true)
	if err != nil || info.Type != filesystem.TypeDir {
		return nil, fmt.Errorf("sync %d: local root unavailable: %s", cfg.Tag, cfg.LocalPath)
	}

	volume, err := e.fs.VolumeFingerprint(rootPath)
	if err != nil {
		return nil, fmt.Errorf("sync %d: volume fingerprint: %w", cfg.Tag, err)
	}
	if cfg.FsFingerprint != 0 && cfg.FsFingerprint != volume {
		return nil, fmt.Errorf("sync %d: filesystem volume changed", cfg.Tag)
	}
	cfg.FsFingerprint = volume

	if e.client.NodeByHandle(cfg.CloudRoot) == nil {
		return nil, fmt.Errorf("sync %d: cloud root %d not found", cfg.Tag, cfg.CloudRoot)
	}

	table, err := e.db.Table(statecache.NodeTableName(uint64(info.Fsid), cfg.CloudRoot, e.userID), e.cipher)
	if err != nil {
		return nil, fmt.Errorf("sync %d: open node table: %w", cfg.Tag, err)
	}

	s := &Sync{
		engine:          e,
		config:          cfg,
		tree:            localtree.New(),
		cache:           statecache.New(table),
		rootPath:        rootPath,
		debrisPath:      rootPath.Append(LocalDebrisName),
		cloudRoot:       cfg.CloudRoot,
		caseInsensitive: e.fs.IsCaseInsensitive(rootPath),
		state:           syncconfig.StateActive,
		initialScan:     true,
	}
	s.debris = debris.NewMover(e.fs, s.debrisPath)

	root := s.tree.NewNode(filesystem.TypeDir, rootPath.Leaf())
	root.SetFsid(info.Fsid)
	root.SetSyncedHandle(cfg.CloudRoot)
	s.tree.SetRoot(root)
	s.tree.OnDelete = s.statecachedel

	restored, err := s.cache.Restore(s.tree, e.fs.FsidsAreStable(rootPath))
	if err != nil {
		return nil, fmt.Errorf("sync %d: restore state cache: %w", cfg.Tag, err)
	}
	if restored > 0 {
		logging.Info("restored synced state",
			zap.Int("tag", cfg.Tag), zap.Int("nodes", restored))
	}

	root.Raise(localtree.FlagScanAgain, localtree.ActionSubtree)
	root.Raise(localtree.FlagSyncAgain, localtree.ActionSubtree)

	cfg.State = syncconfig.StateActive
	if err := e.configs.Insert(cfg); err != nil {
		return nil, fmt.Errorf("sync %d: persist config: %w", cfg.Tag, err)
	}

	e.scans.Retain()
	e.syncs[cfg.Tag] = s
	logging.Info("sync added",
		zap.Int("tag", cfg.Tag), zap.String("root", cfg.LocalPath))
	return s, nil
}

// ResumeSyncs starts every registered sync that is not in a terminal state.
func (e *Engine) ResumeSyncs() error {
	var firstErr error
	for _, cfg := range e.configs.All() {
		if cfg.State.Terminal() {
			continue
		}
		if _, err := e.AddSync(cfg); err != nil {
			logging.Error("unable to resume sync", zap.Int("tag", cfg.Tag), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RemoveSync cancels a running sync and forgets its configuration. Pending
// cache writes are flushed in one transaction first.
func (e *Engine) RemoveSync(tag int) {
	s := e.syncs[tag]
	if s == nil {
		e.configs.RemoveByTag(tag)
		return
	}
	s.cachenodes()
	s.changestate(syncconfig.StateCanceled, ErrNone)
	// The worker still holds the request; dropping our reference is enough,
	// results for a canceled sync are discarded.
	s.scanRequest = nil
	s.scanTarget = nil
	delete(e.syncs, tag)
	e.configs.RemoveByTag(tag)
	e.scans.Release()
	logging.Info("sync removed", zap.Int("tag", tag))
}

// Close flushes all syncs and stops the scan service.
func (e *Engine) Close() {
	for _, s := range e.syncs {
		s.cachenodes()
		e.scans.Release()
	}
	e.syncs = make(map[int]*Sync)
	e.scans.Release()
}

// Tick runs one reconciliation pass over every sync: drain notifications,
// recompute the barrier, reconcile, then flush state caches.
func (e *Engine) Tick(now time.Time) {
	e.drainNotifications()

	// The barrier: the previous pass must have run with no scanning and no
	// actioned moves before deletions may conclude both sides are gone.
	e.flags.ScansAndMovesComplete =
		!e.flags.PerformedScans && !e.flags.ActionedMovesRenames && !e.pendingScans()
	e.flags.PerformedScans = false
	e.flags.ActionedMovesRenames = false

	tags := make([]int, 0, len(e.syncs))
	for tag := range e.syncs {
		tags = append(tags, tag)
	}
	sort.Ints(tags)

	for _, tag := range tags {
		e.syncs[tag].tick(now)
	}
	for _, tag := range tags {
		e.syncs[tag].cachenodes()
	}
}

func (e *Engine) pendingScans() bool {
	for _, s := range e.syncs {
		if s.scanRequest != nil && !s.scanRequest.Completed() {
			return true
		}
	}
	return false
}

// drainNotifications marks the nearest tracked ancestors of notified paths
// for rescanning.
func (e *Engine) drainNotifications() {
	if e.queue.Overflowed() {
		logging.Warn("notification queue overflowed, rescanning all syncs")
		for _, s := range e.syncs {
			s.tree.Root.Raise(localtree.FlagScanAgain, localtree.ActionSubtree)
		}
	}

	for _, ev := range e.queue.Drain() {
		for _, s := range e.syncs {
			if !s.rootPath.Contains(ev.Path) || s.debrisPath.Contains(ev.Path) {
				continue
			}
			rel, _ := s.rootPath.RelativeTo(ev.Path)
			matching, deepest, remainder := s.tree.ResolveLocal(syncpath.Components(rel), s.caseInsensitive)

			target := deepest
			if matching != nil && matching.Parent != nil {
				target = matching.Parent
			}
			if target == nil {
				continue
			}
			if target.Type != filesystem.TypeDir && target.Parent != nil {
				target = target.Parent
			}
			level := localtree.ActionHere
			if len(remainder) > 0 {
				level = localtree.ActionSubtree
			}
			target.Raise(localtree.FlagScanAgain, level)
		}
	}
}

// checkFileStability tracks whether the file at path keeps changing. A move
// away from it is only trusted once size and mtime sat still for the
// stability window, with an absolute timeout.
func (e *Engine) checkFileStability(path syncpath.Path, now time.Time) ChangeState {
	key := path.String()
	st := e.fileChanging[key]
	if st == nil {
		st = &fileChangingState{initialTS: now, lastSize: -1}
		e.fileChanging[key] = st
	}

	if now.Sub(st.initialTS) > fileUpdateMaxDelay {
		logging.Warn("timeout waiting for file update", zap.String("path", key))
		delete(e.fileChanging, key)
		return ChangeTimedOut
	}

	info, err := e.fs.Stat(path, true)
	if err != nil {
		if filesystem.IsTransient(err) {
			logging.Debug("move origin temporarily blocked, waiting", zap.String("path", key))
			return ChangeWaiting
		}
		// Nothing at the origin; the move can proceed.
		delete(e.fileChanging, key)
		return ChangeStable
	}

	waiting := false
	switch {
	case !st.lastCheck.IsZero() && now.Sub(st.lastCheck) < fileUpdateDelay:
		logging.Debug("file checked too recently, waiting", zap.String("path", key))
		waiting = true
	case st.lastSize != info.Size:
		logging.Debug("file size changed since last check, waiting",
			zap.String("path", key), zap.Int64("size", info.Size))
		st.lastSize = info.Size
		st.lastCheck = now
		waiting = true
	}

	if !waiting && now.Sub(time.Unix(info.MTime, 0)) < fileUpdateDelay {
		logging.Debug("file modified too recently, waiting", zap.String("path", key))
		waiting = true
	}

	if waiting {
		return ChangeWaiting
	}
	delete(e.fileChanging, key)
	return ChangeStable
}
