package turn

import (
	"sync"
	"time"

	"goa.design/turnengine/model"
)

// finalizeMismatchWindow and finalizeMismatchLogThreshold bound the
// finalizeStreamTurn mismatch rate limiter (spec §9): a per-thread count is
// kept over a sliding window and escalated to an error log once it reaches
// the threshold within that window.
const (
	finalizeMismatchWindow       = 5 * time.Minute
	finalizeMismatchLogThreshold = 3
)

// mismatchCounter is the one sanctioned piece of in-process global state
// (spec §9 "Global mutable state"): a per-thread finalizeStreamTurn
// compare-and-set mismatch count, reset on process start. Alerting off it
// is best-effort, so losing it across a restart is harmless.
type mismatchCounter struct {
	mu       sync.Mutex
	byThread map[model.ThreadID]*mismatchWindow
}

type mismatchWindow struct {
	start time.Time
	count int
}

var finalizeMismatches = &mismatchCounter{byThread: map[model.ThreadID]*mismatchWindow{}}

// record increments threadID's mismatch count, starting a fresh window if
// the previous one has expired, and returns the count within the current
// window.
func (c *mismatchCounter) record(threadID model.ThreadID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	w := c.byThread[threadID]
	if w == nil || now.Sub(w.start) >= finalizeMismatchWindow {
		w = &mismatchWindow{start: now}
		c.byThread[threadID] = w
	}
	w.count++
	return w.count
}
