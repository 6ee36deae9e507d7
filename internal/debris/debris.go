// Package debris moves locally deleted entries into a dated quarantine
// directory instead of unlinking them.
package debris

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pearsync/pearsync/internal/filesystem"
	"github.com/pearsync/pearsync/internal/logging"
	"github.com/pearsync/pearsync/pkg/syncpath"
)

// maxAttempts bounds the suffixed-rename retries within one call.
const maxAttempts = 100

// Mover relocates paths into <root>/YYYY-MM-DD/, creating the debris and day
// folders on demand. Collisions and mid-second races are retried with
// progressively appended HH.MM.SS.NN suffixes.
type Mover struct {
	fs   filesystem.Access
	root syncpath.Path
	now  func() time.Time
}

// NewMover returns a mover rooted at the sync's debris directory.
func NewMover(fs filesystem.Access, root syncpath.Path) *Mover {
	return &Mover{fs: fs, root: root, now: time.Now}
}

// Root returns the debris root path.
func (m *Mover) Root() syncpath.Path {
	return m.root
}

// Move renames path into today's debris folder. A transient error aborts the
// whole operation so the caller can retry on a later tick; running out of
// attempts leaves the path in place.
func (m *Mover) Move(path syncpath.Path) error {
	now := m.now()
	day := now.Format("2006-01-02")
	leaf := path.Leaf()

	for i := -3; i < maxAttempts; i++ {
		if i == -2 || i > 95 {
			if err := m.fs.Mkdir(m.root); err != nil && filesystem.IsTransient(err) {
				return err
			}
		}

		folder := day
		if i >= 0 {
			folder = fmt.Sprintf("%s %02d.%02d.%02d.%02d", day, now.Hour(), now.Minute(), now.Second(), i)
		}
		dayPath := m.root.Append(folder)

		if i > -3 {
			if err := m.fs.Mkdir(dayPath); err != nil && filesystem.IsTransient(err) {
				return err
			}
		}

		target := dayPath.Append(leaf)
		err := m.fs.Rename(path, target)
		if err == nil {
			logging.Debug("moved to local debris",
				zap.String("path", path.String()), zap.String("target", target.String()))
			return nil
		}
		if filesystem.IsTransient(err) {
			return err
		}
	}

	return fmt.Errorf("move to local debris failed for %s", path.String())
}
