// Package scheduler implements the Scheduler (§4.9): a fixed pool of
// worker goroutines that each repeatedly drive one block's Work() until
// stopped, pinned to an OS thread with optional CPU affinity, following
// the teacher's internal/queue Runner.ioLoop shape (LockOSThread +
// unix.SchedSetaffinity + context-cancellation select loop) generalized
// from one I/O queue to one dataflow block per worker, with worker
// lifecycle managed by golang.org/x/sync/errgroup instead of a single
// ad hoc start-channel.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/flowshm/flowshm/block"
	"github.com/flowshm/flowshm/internal/clock"
	"github.com/flowshm/flowshm/internal/constants"
	"github.com/flowshm/flowshm/internal/logging"
)

// Worker binds one block to the scheduler's run loop.
type Worker struct {
	Block       block.Block
	CPUAffinity int // -1 means no affinity
	IdleSleep   time.Duration

	stats workerStats
}

// workerStats accumulates per-block Work() outcome counts, the
// per-block half of §4.10's Runtime.Stats() (the other half, pool
// utilization, comes from shmmanager.Manager.GetStats).
type workerStats struct {
	calls              atomic.Uint64
	ok                 atomic.Uint64
	insufficientInput  atomic.Uint64
	insufficientOutput atomic.Uint64
	errors             atomic.Uint64
}

// WorkerStats is a point-in-time snapshot of one Worker's Work() call
// counts, broken down by WorkResult.
type WorkerStats struct {
	BlockName          string
	Calls              uint64
	OK                 uint64
	InsufficientInput  uint64
	InsufficientOutput uint64
	Errors             uint64
}

// Stats returns a snapshot of this worker's accumulated Work() counts.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		BlockName:          w.Block.Name(),
		Calls:              w.stats.calls.Load(),
		OK:                 w.stats.ok.Load(),
		InsufficientInput:  w.stats.insufficientInput.Load(),
		InsufficientOutput: w.stats.insufficientOutput.Load(),
		Errors:             w.stats.errors.Load(),
	}
}

// Recorder observes each Work() call's outcome; Runtime's Metrics
// implements it.
type Recorder interface {
	RecordWork(errored bool)
}

// Scheduler drives a fixed set of Workers, one goroutine each, until
// Stop is called or a worker's block reports WorkDone/WorkError (§4.9:
// "the scheduler dispatches on WorkResult and idle-sleeps on transient
// states").
type Scheduler struct {
	workers []*Worker
	logger  *logging.Logger
	clock   clock.Clock
	rec     Recorder

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs a Scheduler over workers, logging through logger (the
// teacher's own logging.Logger; nil selects logging.Default()), idle-
// sleeping on the process-wide default Clock.
func New(workers []*Worker, logger *logging.Logger) *Scheduler {
	return NewWithClock(workers, logger, clock.Default())
}

// NewWithClock is New with an injectable Clock, so tests can drive a
// scheduler's idle-sleep backoff with a clockz.FakeClock instead of
// waiting on a real timer.
func NewWithClock(workers []*Worker, logger *logging.Logger, c clock.Clock) *Scheduler {
	return NewWithClockAndRecorder(workers, logger, c, nil)
}

// NewWithClockAndRecorder is NewWithClock with an optional Recorder
// (pass nil to skip work-call accounting), so Runtime can thread its
// Metrics into every worker's run loop.
func NewWithClockAndRecorder(workers []*Worker, logger *logging.Logger, c clock.Clock, rec Recorder) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{workers: workers, logger: logger, clock: c, rec: rec}
}

// Start launches one goroutine per worker and returns immediately; use
// Wait to block until they all exit.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	s.ctx = ctx
	s.cancel = cancel
	s.group = group

	for _, w := range s.workers {
		if err := w.Block.Start(); err != nil {
			cancel()
			return fmt.Errorf("scheduler: starting block %s: %w", w.Block.Name(), err)
		}
	}

	for _, w := range s.workers {
		w := w
		group.Go(func() error {
			return s.runWorker(gctx, w)
		})
	}
	return nil
}

// Stats returns a snapshot of every worker's accumulated Work() counts.
func (s *Scheduler) Stats() []WorkerStats {
	out := make([]WorkerStats, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.Stats())
	}
	return out
}

// Wait blocks until every worker goroutine has returned, propagating the
// first non-nil error.
func (s *Scheduler) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Stop cancels every worker's run loop and waits for them to exit, then
// stops and cleans up each block in turn.
func (s *Scheduler) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.Wait()
	for _, w := range s.workers {
		_ = w.Block.Stop()
		w.Block.Cleanup()
	}
	return err
}

// runWorker is one worker's run loop: pin to an OS thread, optionally
// set CPU affinity, then repeatedly call Work() until ctx is done or the
// block signals WorkDone/WorkError.
func (s *Scheduler) runWorker(ctx context.Context, w *Worker) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if w.CPUAffinity >= 0 {
		var mask unix.CPUSet
		mask.Set(w.CPUAffinity)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			s.logger.Warnf("worker %s: failed to set CPU affinity to %d: %v", w.Block.Name(), w.CPUAffinity, err)
		} else {
			s.logger.Debugf("worker %s: pinned to CPU %d", w.Block.Name(), w.CPUAffinity)
		}
	}

	idle := w.IdleSleep
	if idle <= 0 {
		idle = constants.IdleSleep
	}

	s.logger.Debugf("worker %s: entering run loop", w.Block.Name())
	for {
		select {
		case <-ctx.Done():
			s.logger.Debugf("worker %s: stopping", w.Block.Name())
			return nil
		default:
		}

		result := w.Block.Work()
		w.stats.calls.Add(1)
		if s.rec != nil {
			s.rec.RecordWork(result == block.WorkError)
		}
		switch result {
		case block.WorkOK:
			w.stats.ok.Add(1)
			// made progress, loop immediately
		case block.WorkInsufficientInput:
			w.stats.insufficientInput.Add(1)
			select {
			case <-ctx.Done():
				return nil
			case <-s.clock.After(idle):
			}
		case block.WorkInsufficientOutput:
			w.stats.insufficientOutput.Add(1)
			select {
			case <-ctx.Done():
				return nil
			case <-s.clock.After(idle):
			}
		case block.WorkDone:
			s.logger.Infof("worker %s: done", w.Block.Name())
			return nil
		case block.WorkError:
			w.stats.errors.Add(1)
			s.logger.Errorf("worker %s: block reported error", w.Block.Name())
			return fmt.Errorf("scheduler: block %s reported WorkError", w.Block.Name())
		}
	}
}
