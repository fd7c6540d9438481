// Package jobqueue holds every job the master has seen and the ordered
// pending sequence awaiting assignment. All state transitions of a job run
// under the queue's single mutex, which makes each transition atomic with
// respect to the scheduler, the API handlers and worker reports.
//
// Invariant: a job ID appears in the pending sequence if and only if the
// job's state is queued.
package jobqueue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talus-framework/talus-master/pkg/models"
)

// Queue is the job store plus the pending sequence. The pending sequence is
// ordered by priority (higher first) and FIFO by submission within a
// priority class, so the default priority degenerates to pure FIFO.
type Queue struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	pending []string
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		jobs: make(map[string]*models.Job),
	}
}

// Submit assigns a fresh ID, stores the job as queued and appends it to the
// pending sequence. It never blocks. Priority is clamped to [0, 100].
func (q *Queue) Submit(payload json.RawMessage, priority int) models.Job {
	if priority < models.MinPriority {
		priority = models.MinPriority
	}
	if priority > models.MaxPriority {
		priority = models.MaxPriority
	}

	job := &models.Job{
		ID:          uuid.NewString(),
		Payload:     payload,
		Priority:    priority,
		State:       models.JobQueued,
		SubmittedAt: time.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.jobs[job.ID] = job
	// Stable within the priority class: insert after the last entry with
	// priority >= this job's.
	idx := len(q.pending)
	for idx > 0 && q.jobs[q.pending[idx-1]].Priority < priority {
		idx--
	}
	q.pending = append(q.pending, "")
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = job.ID

	return *job
}

// Get returns a snapshot of the job.
func (q *Queue) Get(id string) (models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("get %s: %w", id, models.ErrJobNotFound)
	}
	return *job, nil
}

// Peek returns the ID at the head of the pending sequence without removing
// it.
func (q *Queue) Peek() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return "", false
	}
	return q.pending[0], true
}

// DequeueFor atomically removes the head of the pending sequence,
// transitions it to assigned and records the worker reference. Safe under
// concurrent invocation by the scheduler.
func (q *Queue) DequeueFor(workerID string) (models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return models.Job{}, false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]

	job := q.jobs[id]
	job.State = models.JobAssigned
	job.WorkerID = workerID
	return *job, true
}

// Requeue returns an assigned or running job to the queued state at the
// front of its priority class, used when a worker fails or rejects a
// dispatch. Terminal jobs are left untouched.
func (q *Queue) Requeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("requeue %s: %w", id, models.ErrJobNotFound)
	}
	if job.State.Terminal() || job.State == models.JobQueued {
		return nil
	}

	job.State = models.JobQueued
	job.WorkerID = ""
	job.StartedAt = nil

	// Front of the job's priority class: after every strictly higher
	// priority entry. With uniform priorities this is the absolute front,
	// minimizing the latency impact of the failure.
	idx := 0
	for idx < len(q.pending) && q.jobs[q.pending[idx]].Priority > job.Priority {
		idx++
	}
	q.pending = append(q.pending, "")
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = id
	return nil
}

// Cancel marks a non-terminal job cancelled. For queued jobs it also leaves
// the pending sequence. For assigned/running jobs the previously owning
// worker ID is returned so the caller can release its slot and signal a
// best-effort abort; the master's bookkeeping is updated immediately either
// way.
func (q *Queue) Cancel(id string) (workerID string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return "", fmt.Errorf("cancel %s: %w", id, models.ErrJobNotFound)
	}
	if job.State.Terminal() {
		return "", fmt.Errorf("cancel %s in state %s: %w", id, job.State, models.ErrInvalidState)
	}

	if job.State == models.JobQueued {
		q.removePending(id)
	}
	workerID = job.WorkerID
	now := time.Now()
	job.State = models.JobCancelled
	job.WorkerID = ""
	job.FinishedAt = &now
	return workerID, nil
}

// MarkRunning transitions an assigned job to running on behalf of the
// worker that holds it, driven by heartbeat active-job sets. It is
// idempotent for jobs already running on the same worker and a no-op for
// terminal jobs (a stale heartbeat can trail a report).
func (q *Queue) MarkRunning(id, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("mark running %s: %w", id, models.ErrJobNotFound)
	}
	if job.State.Terminal() {
		return nil
	}
	if job.WorkerID != workerID {
		return fmt.Errorf("mark running %s by %s (owner %q): %w",
			id, workerID, job.WorkerID, models.ErrWorkerMismatch)
	}
	if job.State == models.JobRunning {
		return nil
	}
	if job.State != models.JobAssigned {
		return fmt.Errorf("mark running %s in state %s: %w", id, job.State, models.ErrInvalidState)
	}
	now := time.Now()
	job.State = models.JobRunning
	job.StartedAt = &now
	return nil
}

// Finish applies a worker-reported outcome. Reports for already-terminal
// jobs are accepted and ignored (applied=false, nil error) so at-least-once
// delivery of reports stays harmless. A report from a worker that does not
// own the job fails with ErrWorkerMismatch, guarding against stale reports
// after reassignment.
func (q *Queue) Finish(id, workerID string, result models.Result) (applied bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return false, fmt.Errorf("finish %s: %w", id, models.ErrJobNotFound)
	}
	if job.State.Terminal() {
		return false, nil
	}
	if job.WorkerID != workerID {
		return false, fmt.Errorf("finish %s by %s (owner %q): %w",
			id, workerID, job.WorkerID, models.ErrWorkerMismatch)
	}

	now := time.Now()
	res := result
	job.Result = &res
	job.FinishedAt = &now
	job.WorkerID = ""
	if result.Success {
		job.State = models.JobCompleted
	} else {
		job.State = models.JobFailed
	}
	return true, nil
}

// List returns snapshots of every known job, most recently submitted last.
func (q *Queue) List() []models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]models.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		jobs = append(jobs, *job)
	}
	return jobs
}

// Counts computes per-state totals on demand.
func (q *Queue) Counts() models.JobCounts {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c models.JobCounts
	for _, job := range q.jobs {
		switch job.State {
		case models.JobQueued:
			c.Queued++
		case models.JobAssigned:
			c.Assigned++
		case models.JobRunning:
			c.Running++
		case models.JobCompleted:
			c.Completed++
		case models.JobFailed:
			c.Failed++
		case models.JobCancelled:
			c.Cancelled++
		}
		c.Total++
	}
	return c
}

// Len returns the pending sequence length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// removePending deletes id from the pending sequence, caller holds the lock.
func (q *Queue) removePending(id string) {
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}
