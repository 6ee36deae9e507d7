// Package notify carries filesystem change notifications from the platform
// producer thread to the reconciler. The queue is the only shared structure;
// producers enqueue, the reconciler drains.
package notify

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pearsync/pearsync/internal/logging"
	"github.com/pearsync/pearsync/pkg/syncpath"
)

// Event is one observed filesystem change.
type Event struct {
	Path syncpath.Path
}

// Queue is a bounded notification queue. Enqueue never blocks: when the
// queue overflows, the overflow flag is raised so the consumer can fall back
// to a full rescan.
type Queue struct {
	ch       chan Event
	overflow chan struct{}
}

// NewQueue returns a queue holding up to capacity events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		ch:       make(chan Event, capacity),
		overflow: make(chan struct{}, 1),
	}
}

// Enqueue adds an event, raising the overflow flag instead of blocking when
// the queue is full.
func (q *Queue) Enqueue(e Event) {
	select {
	case q.ch <- e:
	default:
		select {
		case q.overflow <- struct{}{}:
		default:
		}
	}
}

// Drain removes and returns all currently queued events.
func (q *Queue) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-q.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

// Overflowed reports and clears the overflow flag.
func (q *Queue) Overflowed() bool {
	select {
	case <-q.overflow:
		return true
	default:
		return false
	}
}

// Watcher adapts fsnotify to the queue. It runs on fsnotify's producer
// goroutine and only ever enqueues.
type Watcher struct {
	w     *fsnotify.Watcher
	queue *Queue
	done  chan struct{}
}

// NewWatcher starts an fsnotify watcher that feeds events into queue. It
// watches nothing until directories are registered with Add (each one
// non-recursively).
func NewWatcher(queue *Queue) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{w: fw, queue: queue, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

// Add registers one directory with the platform watcher.
func (w *Watcher) Add(path syncpath.Path) error {
	return w.w.Add(path.String())
}

// Remove unregisters one directory.
func (w *Watcher) Remove(path syncpath.Path) error {
	return w.w.Remove(path.String())
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.w.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			w.queue.Enqueue(Event{Path: syncpath.New(ev.Name)})
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			logging.Warn("filesystem watcher error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}
