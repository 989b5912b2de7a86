package pipeline

import (
	"github.com/remeh/sizedwaitgroup"
	log "github.com/sirupsen/logrus"

	"imageprep/config"
	"imageprep/types"
)

// Pipeline drains scanned work units across a bounded pool of workers. Each
// unit is dispatched to exactly one goroutine which processes its frames in
// discovery order; at most cfg.Threads units are in flight at a time.
type Pipeline struct {
	cfg     *config.Pipeline
	queue   *Queue
	tracker *Tracker

	// inputFrames is the total scanned frame count, used to size the
	// progress target when no explicit budget is configured.
	inputFrames int
}

func New(cfg *config.Pipeline, units []*types.WorkUnit, inputFrames int) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		queue:       NewQueue(units),
		tracker:     NewTracker(cfg.MaxFrameCount),
		inputFrames: inputFrames,
	}
}

// Run dispatches units until the queue is empty or the finished flag is
// raised, waits for in-flight units to complete and returns the first fatal
// error, if any. It blocks; progress can be observed concurrently through
// QueueLen/Processed/Target.
func (p *Pipeline) Run() error {
	swg := sizedwaitgroup.New(p.cfg.Threads)

	for {
		if p.tracker.Finished() {
			break
		}
		unit := p.queue.Pop()
		if unit == nil {
			break
		}

		swg.Add()
		go func(unit *types.WorkUnit) {
			defer swg.Done()
			if err := p.worker().processUnit(unit); err != nil {
				log.WithFields(log.Fields{
					"dir":   unit.Dir,
					"error": err,
				}).Error("work unit failed")
				p.tracker.Fail(err)
			}
		}(unit)
	}

	swg.Wait()
	return p.tracker.Err()
}

func (p *Pipeline) worker() *worker {
	return newWorker(p.cfg, p.tracker)
}

// QueueLen reports how many units have not yet been handed to a worker.
func (p *Pipeline) QueueLen() int {
	return p.queue.Len()
}

// Processed reports how many output frames have been accounted for so far.
func (p *Pipeline) Processed() uint64 {
	return p.tracker.Processed()
}

// Target is the output-frame count progress is measured against: the
// configured budget, or two variants per scanned input frame.
func (p *Pipeline) Target() uint64 {
	if p.cfg.MaxFrameCount != ^uint64(0) {
		return p.cfg.MaxFrameCount
	}
	return uint64(p.inputFrames) * 2
}

// Finished reports whether the budget was reached or a fatal error latched.
func (p *Pipeline) Finished() bool {
	return p.tracker.Finished()
}
