// Package scan provides a shared pool of workers that enumerate directories
// off the reconciler thread. Workers produce pure value batches; they never
// touch reconciler state. Completion is observed through the request handle
// and signalled through the owner's wake channel.
package scan

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pearsync/pearsync/internal/filesystem"
	"github.com/pearsync/pearsync/internal/logging"
	"github.com/pearsync/pearsync/internal/metrics"
	"github.com/pearsync/pearsync/pkg/fingerprint"
	"github.com/pearsync/pearsync/pkg/syncpath"
)

// Request is a queued directory scan. Completed flips exactly once; Results
// may be read only after Completed reports true.
type Request struct {
	targetPath     syncpath.Path
	debrisPath     syncpath.Path
	followSymlinks bool
	known          map[string]filesystem.FSNode
	wake           chan<- struct{}

	completed atomic.Bool
	results   []filesystem.FSNode
}

// Completed reports whether the scan has finished.
func (r *Request) Completed() bool {
	return r.completed.Load()
}

// Results returns the scanned entries. Only valid once Completed is true.
func (r *Request) Results() []filesystem.FSNode {
	if !r.completed.Load() {
		return nil
	}
	return r.results
}

// Path returns the directory the request targets.
func (r *Request) Path() syncpath.Path {
	return r.targetPath
}

func (r *Request) finish(results []filesystem.FSNode) {
	r.known = nil
	r.results = results
	r.completed.Store(true)
	if r.wake != nil {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Target describes the directory to scan and what is already known about its
// children, so unchanged fingerprints can be reused without re-reading files.
type Target struct {
	Path           syncpath.Path
	DebrisPath     syncpath.Path
	FollowSymlinks bool
	Known          map[string]filesystem.FSNode // localname -> last known snapshot
	Wake           chan<- struct{}              // notified (non-blocking) on completion
}

// Service is the process-wide scan worker pool. It is reference counted:
// constructed on first use, torn down when the last owner releases it.
type Service struct {
	fs filesystem.Access

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Request
	closed  bool
	refs    int
	wg      sync.WaitGroup
}

// NewService starts a pool with the given number of worker goroutines. The
// pool begins with one reference held by the caller.
func NewService(fs filesystem.Access, workers int) *Service {
	if workers < 1 {
		workers = 1
	}
	s := &Service{fs: fs, refs: 1}
	s.cond = sync.NewCond(&s.mu)

	logging.Debug("starting scan service", zap.Int("workers", workers))
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.loop()
	}
	return s
}

// Retain adds a reference to the pool.
func (s *Service) Retain() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

// Release drops a reference. When the last reference is dropped the workers
// are woken and joined; queued requests complete empty.
func (s *Service) Release() {
	s.mu.Lock()
	s.refs--
	done := s.refs == 0 && !s.closed
	if done {
		s.closed = true
	}
	s.mu.Unlock()

	if !done {
		return
	}

	s.cond.Broadcast()
	s.wg.Wait()

	s.mu.Lock()
	orphans := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, r := range orphans {
		r.finish(nil)
	}
	logging.Debug("scan service stopped")
}

// Scan queues a scan of the target directory and returns its handle. A target
// inside the debris subtree completes immediately with no results.
func (s *Service) Scan(t Target) *Request {
	r := &Request{
		targetPath:     t.Path,
		debrisPath:     t.DebrisPath,
		followSymlinks: t.FollowSymlinks,
		known:          t.Known,
		wake:           t.Wake,
	}

	if !t.DebrisPath.IsEmpty() && t.DebrisPath.Contains(t.Path) {
		r.finish(nil)
		return r
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		r.finish(nil)
		return r
	}
	s.pending = append(s.pending, r)
	s.mu.Unlock()
	s.cond.Signal()

	metrics.RecordScanQueued()
	logging.Debug("queued scan", zap.String("path", t.Path.String()))
	return r
}

func (s *Service) loop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		r := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		start := time.Now()
		r.finish(s.scan(r))
		metrics.RecordScanCompleted(time.Since(start))
	}
}

// scan enumerates the target directory. A missing or non-directory target
// yields an empty result set.
func (s *Service) scan(r *Request) []filesystem.FSNode {
	info, err := s.fs.Stat(r.targetPath, true)
	if err != nil {
		logging.Debug("scan target does not exist", zap.String("path", r.targetPath.String()))
		return nil
	}
	if info.Type != filesystem.TypeDir {
		logging.Debug("scan target is not a directory", zap.String("path", r.targetPath.String()))
		return nil
	}

	names, err := s.fs.ReadDir(r.targetPath)
	if err != nil {
		logging.Debug("unable to iterate scan target",
			zap.String("path", r.targetPath.String()), zap.Error(err))
		return nil
	}

	results := make([]filesystem.FSNode, 0, len(names))
	for _, name := range names {
		entryPath := r.targetPath.Append(name)
		if !r.debrisPath.IsEmpty() && r.debrisPath.Contains(entryPath) {
			continue
		}
		results = append(results, s.interrogate(name, entryPath, r))
	}
	return results
}

// interrogate builds an FSNode for one entry, reusing the known fingerprint
// when type, fsid, mtime and size all match.
func (s *Service) interrogate(name string, path syncpath.Path, r *Request) filesystem.FSNode {
	result := filesystem.FSNode{Localname: name, Fsid: filesystem.UndefFsid}

	info, err := s.fs.Stat(path, r.followSymlinks)
	if err != nil {
		logging.Warn("error opening file", zap.String("path", path.String()), zap.Error(err))
		result.IsBlocked = filesystem.IsTransient(err)
		return result
	}

	result.Type = info.Type
	result.Size = info.Size
	result.MTime = info.MTime
	result.Fsid = info.Fsid
	result.Shortname = info.Shortname
	result.IsSymlink = info.IsSymlink

	if info.IsSymlink {
		logging.Debug("interrogated path is a symlink", zap.String("path", path.String()))
		return result
	}
	if info.Type != filesystem.TypeFile {
		return result
	}

	if prior, ok := r.known[name]; ok && reuseFingerprint(prior, result) {
		result.Fingerprint = prior.Fingerprint
		return result
	}

	f, err := s.fs.Open(path)
	if err != nil {
		logging.Warn("error opening file", zap.String("path", path.String()), zap.Error(err))
		result.IsBlocked = filesystem.IsTransient(err)
		return result
	}
	defer f.Close()

	fp, err := fingerprint.FromReader(f, info.Size, info.MTime)
	if err != nil {
		result.IsBlocked = filesystem.IsTransient(err)
		return result
	}
	result.Fingerprint = fp
	return result
}

// reuseFingerprint reports whether a prior snapshot's fingerprint still
// describes the entry: type, fsid, mtime and size must all be unchanged.
func reuseFingerprint(prior, current filesystem.FSNode) bool {
	return prior.Type == current.Type &&
		prior.Fsid == current.Fsid &&
		prior.MTime == current.MTime &&
		prior.Size == current.Size &&
		prior.Fingerprint.Valid
}
