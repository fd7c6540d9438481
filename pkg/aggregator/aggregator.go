// Package aggregator collects worker-reported outcomes, finalizes job state
// and frees the reporting worker's capacity. Duplicate reports over an
// at-least-once transport are the one intentional no-op success.
package aggregator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/talus-framework/talus-master/pkg/jobqueue"
	"github.com/talus-framework/talus-master/pkg/models"
	"github.com/talus-framework/talus-master/pkg/registry"
)

// Aggregator applies reports against the shared job store and registry.
type Aggregator struct {
	queue    *jobqueue.Queue
	registry *registry.Registry
	log      *zap.Logger
}

// New creates an aggregator over the master's queue and registry.
func New(q *jobqueue.Queue, r *registry.Registry, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{queue: q, registry: r, log: log}
}

// Report applies a worker's outcome for a job. Fails with ErrJobNotFound or
// ErrWorkerMismatch; reports for already-terminal jobs are accepted
// idempotently with no state change. On first application the job becomes
// completed or failed and the worker's slot is released.
func (a *Aggregator) Report(jobID, workerID string, result models.Result) error {
	applied, err := a.queue.Finish(jobID, workerID, result)
	if err != nil {
		return err
	}
	if !applied {
		a.log.Debug("duplicate report ignored",
			zap.String("job_id", jobID),
			zap.String("worker_id", workerID))
		return nil
	}

	a.registry.Release(workerID, jobID, true)
	a.log.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("worker_id", workerID),
		zap.Bool("success", result.Success),
		zap.Int("code", result.Code))
	return nil
}

// GetResult returns the stored outcome for a terminal job. Non-terminal
// jobs fail with ErrResultPending, unknown IDs with ErrJobNotFound.
// Cancelled jobs are terminal but carry no worker outcome; they return the
// job state with a nil result.
func (a *Aggregator) GetResult(jobID string) (models.JobState, *models.Result, error) {
	job, err := a.queue.Get(jobID)
	if err != nil {
		return "", nil, err
	}
	if !job.State.Terminal() {
		return job.State, nil, fmt.Errorf("job %s is %s: %w", jobID, job.State, models.ErrResultPending)
	}
	return job.State, job.Result, nil
}
