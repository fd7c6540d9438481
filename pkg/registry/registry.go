// Package registry tracks the set of known slave nodes, their liveness and
// their capacity. A background sweep marks workers offline once their
// heartbeat goes stale and evicts them entirely after a grace period; both
// paths hand the jobs the worker held back to the caller through the
// eviction callback so they can be requeued.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/talus-framework/talus-master/pkg/models"
)

// EvictFunc receives the non-terminal jobs a failed worker was holding.
type EvictFunc func(workerID string, jobIDs []string)

type entry struct {
	worker   models.Worker
	assigned map[string]struct{}
}

// Registry is the authoritative view of the worker pool. The master owns
// exactly one instance; all access goes through its methods.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*entry
	order   []string // registration order, eviction removes entries

	heartbeatTimeout time.Duration
	sweepInterval    time.Duration
	gracePeriod      time.Duration
	onEvict          EvictFunc

	log *zap.Logger
	wg  sync.WaitGroup
}

// Options configures liveness tracking.
type Options struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	GracePeriod      time.Duration
	OnEvict          EvictFunc
}

// New creates a registry. OnEvict may be nil when no requeueing is wanted
// (tests).
func New(opts Options, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		workers:          make(map[string]*entry),
		heartbeatTimeout: opts.HeartbeatTimeout,
		sweepInterval:    opts.SweepInterval,
		gracePeriod:      opts.GracePeriod,
		onEvict:          opts.OnEvict,
		log:              log,
	}
}

// Register adds a worker or, for a known ID, updates its capacity and
// address and clears offline status. Idempotent by design: slaves
// re-register on reconnect and keep their identity.
func (r *Registry) Register(id, hostname, address string, capacity int) models.Worker {
	if capacity < 1 {
		capacity = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	e, ok := r.workers[id]
	if !ok {
		e = &entry{
			worker: models.Worker{
				ID:           id,
				RegisteredAt: now,
			},
			assigned: make(map[string]struct{}),
		}
		r.workers[id] = e
		r.order = append(r.order, id)
	}

	e.worker.Hostname = hostname
	e.worker.Address = address
	e.worker.Capacity = capacity
	e.worker.LastHeartbeat = now
	e.worker.Status = statusFor(len(e.assigned), capacity)

	r.log.Info("worker registered",
		zap.String("worker_id", id),
		zap.String("address", address),
		zap.Int("capacity", capacity))

	return r.snapshotLocked(e)
}

// Heartbeat refreshes the worker's liveness timestamp and brings an offline
// worker back. Fails with ErrUnknownWorker for unregistered IDs.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("heartbeat from %s: %w", id, models.ErrUnknownWorker)
	}
	e.worker.LastHeartbeat = time.Now()
	e.worker.Status = statusFor(len(e.assigned), e.worker.Capacity)
	return nil
}

// Get returns a snapshot of a single worker.
func (r *Registry) Get(id string) (models.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.workers[id]
	if !ok {
		return models.Worker{}, fmt.Errorf("worker %s: %w", id, models.ErrUnknownWorker)
	}
	return r.snapshotLocked(e), nil
}

// List returns worker snapshots in registration order.
func (r *Registry) List() []models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Worker, 0, len(r.order))
	for _, id := range r.order {
		if e, ok := r.workers[id]; ok {
			out = append(out, r.snapshotLocked(e))
		}
	}
	return out
}

// Assign records a job on the worker. The capacity check is defensive: the
// scheduler never over-fills a worker, but a concurrent pull-mode dequeue
// could race it, so the invariant is enforced here.
func (r *Registry) Assign(id, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("assign %s to %s: %w", jobID, id, models.ErrUnknownWorker)
	}
	if len(e.assigned) >= e.worker.Capacity {
		return fmt.Errorf("assign %s to %s (%d/%d): %w",
			jobID, id, len(e.assigned), e.worker.Capacity, models.ErrCapacityExceeded)
	}
	e.assigned[jobID] = struct{}{}
	if e.worker.Status != models.WorkerOffline {
		e.worker.Status = statusFor(len(e.assigned), e.worker.Capacity)
	}
	return nil
}

// Release frees the worker slot a job was holding. ran=true counts the job
// toward the worker's total (reports); ran=false does not (cancellations,
// failed dispatches). Unknown workers are ignored: the worker may already
// have been evicted.
func (r *Registry) Release(id, jobID string, ran bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[id]
	if !ok {
		return
	}
	if _, held := e.assigned[jobID]; !held {
		return
	}
	delete(e.assigned, jobID)
	if ran {
		e.worker.TotalJobsRun++
	}
	if e.worker.Status != models.WorkerOffline {
		e.worker.Status = statusFor(len(e.assigned), e.worker.Capacity)
	}
}

// SetOffline marks a worker offline without touching its assigned set, used
// when a dispatch is rejected. The worker rejoins on its next heartbeat; if
// none arrives the sweep evicts it and requeues its jobs.
func (r *Registry) SetOffline(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.workers[id]; ok {
		e.worker.Status = models.WorkerOffline
	}
}

// Run executes the liveness sweep until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(time.Now())
			}
		}
	}()
}

// Wait blocks until the sweep goroutine exits.
func (r *Registry) Wait() { r.wg.Wait() }

// sweep transitions stale workers to offline, handing their jobs to the
// eviction callback, and removes workers whose silence outlasted the grace
// period.
func (r *Registry) sweep(now time.Time) {
	type eviction struct {
		workerID string
		jobs     []string
	}
	var evictions []eviction

	r.mu.Lock()
	kept := r.order[:0]
	for _, id := range r.order {
		e := r.workers[id]
		age := now.Sub(e.worker.LastHeartbeat)

		if e.worker.Status != models.WorkerOffline && age > r.heartbeatTimeout {
			e.worker.Status = models.WorkerOffline
			jobs := drainAssigned(e)
			evictions = append(evictions, eviction{id, jobs})
			r.log.Warn("worker heartbeat timed out",
				zap.String("worker_id", id),
				zap.Duration("age", age),
				zap.Int("requeued_jobs", len(jobs)))
		}

		if e.worker.Status == models.WorkerOffline && age > r.heartbeatTimeout+r.gracePeriod {
			jobs := drainAssigned(e)
			if len(jobs) > 0 {
				evictions = append(evictions, eviction{id, jobs})
			}
			delete(r.workers, id)
			r.log.Warn("worker removed after grace period", zap.String("worker_id", id))
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	r.mu.Unlock()

	// Requeue outside the lock: the callback re-enters the job queue.
	if r.onEvict != nil {
		for _, ev := range evictions {
			if len(ev.jobs) > 0 {
				r.onEvict(ev.workerID, ev.jobs)
			}
		}
	}
}

func drainAssigned(e *entry) []string {
	jobs := make([]string, 0, len(e.assigned))
	for jobID := range e.assigned {
		jobs = append(jobs, jobID)
	}
	sort.Strings(jobs)
	e.assigned = make(map[string]struct{})
	return jobs
}

func (r *Registry) snapshotLocked(e *entry) models.Worker {
	w := e.worker
	w.AssignedJobs = make([]string, 0, len(e.assigned))
	for jobID := range e.assigned {
		w.AssignedJobs = append(w.AssignedJobs, jobID)
	}
	sort.Strings(w.AssignedJobs)
	return w
}

func statusFor(load, capacity int) models.WorkerStatus {
	if load >= capacity {
		return models.WorkerBusy
	}
	return models.WorkerOnline
}
