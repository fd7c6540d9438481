// Package scheduler pairs idle worker capacity with queued jobs. It runs a
// ticker-driven control loop: every interval it fills each live worker up
// to its capacity, in worker registration order and FIFO job order, then
// pushes the jobs out asynchronously. Ordering is deterministic on purpose,
// there is no randomness to keep behavior reproducible.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/talus-framework/talus-master/pkg/jobqueue"
	"github.com/talus-framework/talus-master/pkg/models"
	"github.com/talus-framework/talus-master/pkg/registry"
)

// Dispatcher transmits jobs to workers. Implementations must respect ctx
// deadlines; a dispatch that cannot be delivered in time is a failure.
type Dispatcher interface {
	Dispatch(ctx context.Context, worker models.Worker, job models.Job) error
	// Abort asks a worker to stop a job it holds. Best effort only: the
	// master's bookkeeping never depends on the outcome.
	Abort(ctx context.Context, worker models.Worker, jobID string) error
}

// Scheduler moves jobs from the queue to workers.
type Scheduler struct {
	queue      *jobqueue.Queue
	registry   *registry.Registry
	dispatcher Dispatcher

	interval        time.Duration
	dispatchTimeout time.Duration

	log *zap.Logger
	wg  sync.WaitGroup
}

// Options configures the control loop.
type Options struct {
	Interval        time.Duration
	DispatchTimeout time.Duration
}

// New creates a scheduler over the given queue and registry.
func New(q *jobqueue.Queue, r *registry.Registry, d Dispatcher, opts Options, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		queue:           q,
		registry:        r,
		dispatcher:      d,
		interval:        opts.Interval,
		dispatchTimeout: opts.DispatchTimeout,
		log:             log,
	}
}

// Run executes the control loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Wait blocks until the loop goroutine and in-flight dispatches finish.
func (s *Scheduler) Wait() { s.wg.Wait() }

type assignment struct {
	worker models.Worker
	job    models.Job
}

// Tick performs one assignment pass. Exported so tests can drive the
// scheduler deterministically without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	var batch []assignment

	// Bookkeeping first, under the store locks: dequeue + assign. The
	// network dispatch happens after, with no lock held.
	for _, w := range s.registry.List() {
		if w.Status == models.WorkerOffline {
			continue
		}
		for free := w.FreeSlots(); free > 0; free-- {
			job, ok := s.queue.DequeueFor(w.ID)
			if !ok {
				break
			}
			if err := s.registry.Assign(w.ID, job.ID); err != nil {
				// Worker vanished or filled concurrently; put the job back.
				if rqErr := s.queue.Requeue(job.ID); rqErr != nil {
					s.log.Error("requeue after assign failure",
						zap.String("job_id", job.ID), zap.Error(rqErr))
				}
				break
			}
			batch = append(batch, assignment{worker: w, job: job})
		}
	}

	for _, a := range batch {
		a := a
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ctx, a)
		}()
	}
}

// dispatch pushes one job to its worker. Fire-and-forget from the loop's
// point of view; failure re-enters the queue and registry under their locks.
func (s *Scheduler) dispatch(ctx context.Context, a assignment) {
	dctx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	defer cancel()

	err := s.dispatcher.Dispatch(dctx, a.worker, a.job)
	if err == nil {
		s.log.Debug("job dispatched",
			zap.String("job_id", a.job.ID),
			zap.String("worker_id", a.worker.ID))
		return
	}

	// Recover locally: the job goes back to the front of the queue and the
	// worker is presumed unreachable until it heartbeats again. The failure
	// is never surfaced to the submitter.
	err = fmt.Errorf("dispatch %s to %s: %w: %w",
		a.job.ID, a.worker.ID, models.ErrTransportFailure, err)
	s.log.Warn("dispatch failed, requeueing", zap.Error(err))

	s.registry.Release(a.worker.ID, a.job.ID, false)
	s.registry.SetOffline(a.worker.ID)
	if rqErr := s.queue.Requeue(a.job.ID); rqErr != nil {
		s.log.Error("requeue after dispatch failure",
			zap.String("job_id", a.job.ID), zap.Error(rqErr))
	}
}
