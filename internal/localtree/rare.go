package localtree

import (
	"time"

	"github.com/jpillora/backoff"
)

// BlockTimer governs retries of a blocked node. Each Arm pushes the deadline
// further out.
type BlockTimer struct {
	b     *backoff.Backoff
	until time.Time
}

// NewBlockTimer returns an unarmed timer with doubling delays.
func NewBlockTimer() *BlockTimer {
	return &BlockTimer{
		b: &backoff.Backoff{
			Min:    2 * time.Second,
			Max:    10 * time.Minute,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Arm schedules the next retry relative to now.
func (t *BlockTimer) Arm(now time.Time) {
	t.until = now.Add(t.b.Duration())
}

// Expired reports whether the retry deadline has passed. A nil or unarmed
// timer is expired.
func (t *BlockTimer) Expired(now time.Time) bool {
	return t == nil || !now.Before(t.until)
}

// Reset clears the escalation so the next Arm starts from the minimum delay.
func (t *BlockTimer) Reset() {
	t.b.Reset()
	t.until = time.Time{}
}

// RareFields holds per-node state that almost no node needs; it is allocated
// on demand to keep Node small.
type RareFields struct {
	UseBlockedTimer  *BlockTimer
	ScanBlockedTimer *BlockTimer
}
