package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// InvariantError is the distinguished unrecoverable error raised by the
// post-noise sanity guard. It means the noise or clamp stage produced a
// label/depth contradiction that must never reach a training set, so the
// whole pipeline shuts down rather than skipping the frame.
type InvariantError struct {
	Dir   string
	Frame string
	Msg   string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in %s/%s: %s", e.Dir, e.Frame, e.Msg)
}

// Tracker holds the pipeline's only cross-worker mutable state besides the
// queue: the processed-frame counter, the finished flag and the first fatal
// error, if any.
type Tracker struct {
	maxFrames uint64

	processed atomic.Uint64
	finished  atomic.Bool

	mu  sync.Mutex
	err error
}

func NewTracker(maxFrames uint64) *Tracker {
	return &Tracker{maxFrames: maxFrames}
}

// Processed returns how many output frames have been accounted for.
func (t *Tracker) Processed() uint64 {
	return t.processed.Load()
}

// BudgetExhausted reports whether a worker must stop before starting a new
// frame: the finished flag is already latched (budget reached elsewhere, or a
// fatal error), or this check itself exhausts the frame budget and raises the
// flag. Workers call this after the retain decision and before writing
// anything, so a frame already past the check completes while no new frame
// begins.
func (t *Tracker) BudgetExhausted() bool {
	if t.finished.Load() {
		return true
	}
	if t.processed.Load() >= t.maxFrames {
		t.finished.Store(true)
		return true
	}
	return false
}

// Advance accounts for one retained input frame. The counter moves by 2 --
// one per augmentation variant -- whether or not mirroring is enabled,
// matching how the frame budget is expressed.
func (t *Tracker) Advance() {
	t.processed.Add(2)
}

// Finished reports whether workers should stop picking up new work.
func (t *Tracker) Finished() bool {
	return t.finished.Load()
}

// Fail latches the first fatal error and stops the pipeline. Workers observe
// the finished flag at frame boundaries; in-flight writes complete.
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	t.finished.Store(true)
}

// Err returns the latched fatal error, if any.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
