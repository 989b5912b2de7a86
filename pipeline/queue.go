package pipeline

import (
	"sync"

	"imageprep/types"
)

// Queue is the single FIFO of work units shared by the dispatcher and the
// progress reporter. A popped unit is owned by exactly one worker goroutine
// and is never re-queued; the critical section covers nothing but the pop.
type Queue struct {
	mu    sync.Mutex
	units []*types.WorkUnit
}

func NewQueue(units []*types.WorkUnit) *Queue {
	return &Queue{units: units}
}

// Pop removes and returns the front unit, or nil when the queue is empty.
func (q *Queue) Pop() *types.WorkUnit {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.units) == 0 {
		return nil
	}
	u := q.units[0]
	q.units = q.units[1:]
	return u
}

// Len reports the number of units not yet handed to a worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.units)
}
