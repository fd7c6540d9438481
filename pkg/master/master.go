// Package master composes the worker registry, job queue, scheduler and
// result aggregator into the single addressable talus master service. All
// external interaction, the CLI surface included, routes through it.
package master

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/talus-framework/talus-master/pkg/aggregator"
	"github.com/talus-framework/talus-master/pkg/config"
	"github.com/talus-framework/talus-master/pkg/jobqueue"
	"github.com/talus-framework/talus-master/pkg/leader"
	"github.com/talus-framework/talus-master/pkg/models"
	"github.com/talus-framework/talus-master/pkg/registry"
	"github.com/talus-framework/talus-master/pkg/scheduler"
)

// Master is the orchestration service. Create one with New, then Start it;
// it is never a module-level singleton.
type Master struct {
	hostname string

	queue      *jobqueue.Queue
	registry   *registry.Registry
	scheduler  *scheduler.Scheduler
	aggregator *aggregator.Aggregator
	dispatcher scheduler.Dispatcher
	elector    *leader.Election

	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	abortTimeout time.Duration
}

// New wires the components. dispatcher may be nil, in which case the HTTP
// push dispatcher is used. elector may be nil for a single-master setup.
func New(cfg *config.Config, dispatcher scheduler.Dispatcher, elector *leader.Election, log *zap.Logger) *Master {
	if log == nil {
		log = zap.NewNop()
	}
	if dispatcher == nil {
		dispatcher = scheduler.NewHTTPDispatcher()
	}

	m := &Master{
		hostname:     cfg.Master.Hostname,
		dispatcher:   dispatcher,
		elector:      elector,
		log:          log,
		abortTimeout: cfg.Scheduler.DispatchTimeout.Duration,
	}

	m.queue = jobqueue.New()
	m.registry = registry.New(registry.Options{
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout.Duration,
		SweepInterval:    cfg.Registry.SweepInterval.Duration,
		GracePeriod:      cfg.Registry.GracePeriod.Duration,
		OnEvict:          m.requeueEvicted,
	}, log.Named("registry"))
	m.scheduler = scheduler.New(m.queue, m.registry, dispatcher, scheduler.Options{
		Interval:        cfg.Scheduler.Interval.Duration,
		DispatchTimeout: cfg.Scheduler.DispatchTimeout.Duration,
	}, log.Named("scheduler"))
	m.aggregator = aggregator.New(m.queue, m.registry, log.Named("aggregator"))

	return m
}

// Start launches the background loops. With an elector configured the
// scheduler and sweep run only while this node holds leadership; request
// handling is live either way.
func (m *Master) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if m.elector == nil {
		m.runLoops(m.ctx)
		m.log.Info("master started", zap.String("hostname", m.hostname))
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runElection()
	}()
	m.log.Info("master started, campaigning for leadership",
		zap.String("hostname", m.hostname))
}

// Stop cancels the loops and waits for in-flight dispatches to settle.
// Undelivered assignments are recovered by the requeue path, so no job is
// left without a recorded state.
func (m *Master) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.scheduler.Wait()
	m.registry.Wait()
	m.wg.Wait()
	if m.elector != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		m.elector.Resign(ctx)
		cancel()
		m.elector.Close()
	}
	m.log.Info("master stopped")
}

func (m *Master) runLoops(ctx context.Context) {
	m.registry.Run(ctx)
	m.scheduler.Run(ctx)
}

// runElection campaigns, runs the loops while leader, and campaigns again
// after losing the session.
func (m *Master) runElection() {
	for {
		if err := m.elector.Campaign(m.ctx); err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.log.Warn("election campaign failed, retrying", zap.Error(err))
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		m.log.Info("became leader", zap.String("hostname", m.hostname))
		leadCtx, leadCancel := context.WithCancel(m.ctx)
		m.runLoops(leadCtx)

		select {
		case <-m.elector.Done():
			m.log.Warn("leadership lost, session expired")
		case <-m.ctx.Done():
		}
		leadCancel()

		if m.ctx.Err() != nil {
			return
		}
	}
}

// requeueEvicted is the registry's eviction callback: jobs held by a failed
// worker return to the front of the queue unless already terminal.
func (m *Master) requeueEvicted(workerID string, jobIDs []string) {
	for _, jobID := range jobIDs {
		if err := m.queue.Requeue(jobID); err != nil {
			m.log.Error("requeue evicted job",
				zap.String("job_id", jobID),
				zap.String("worker_id", workerID),
				zap.Error(err))
		}
	}
}

// Submit enqueues a new job and returns its snapshot.
func (m *Master) Submit(payload json.RawMessage, priority int) models.Job {
	job := m.queue.Submit(payload, priority)
	m.log.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.Int("priority", job.Priority))
	return job
}

// Cancel marks a job cancelled. The master's bookkeeping updates
// immediately; if the job was already dispatched the holding worker gets a
// best-effort asynchronous abort, so cancellation of in-flight jobs is
// eventually consistent, not transactional.
func (m *Master) Cancel(jobID string) error {
	workerID, err := m.queue.Cancel(jobID)
	if err != nil {
		return err
	}
	m.log.Info("job cancelled", zap.String("job_id", jobID))

	if workerID == "" {
		return nil
	}
	m.registry.Release(workerID, jobID, false)

	worker, err := m.registry.Get(workerID)
	if err != nil {
		return nil
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.abortTimeout)
		defer cancel()
		if err := m.dispatcher.Abort(ctx, worker, jobID); err != nil {
			m.log.Warn("abort signal failed",
				zap.String("job_id", jobID),
				zap.String("worker_id", workerID),
				zap.Error(err))
		}
	}()
	return nil
}

// GetJob returns a job snapshot.
func (m *Master) GetJob(jobID string) (models.Job, error) {
	return m.queue.Get(jobID)
}

// Jobs returns snapshots of every job the master has seen.
func (m *Master) Jobs() []models.Job {
	return m.queue.List()
}

// Register adds or refreshes a worker.
func (m *Master) Register(id, hostname, address string, capacity int) models.Worker {
	return m.registry.Register(id, hostname, address, capacity)
}

// Heartbeat refreshes a worker's liveness. The active job IDs the worker
// reports drive the assigned-to-running transition; a stale entry (job
// requeued elsewhere meanwhile) is logged and skipped, never fatal.
func (m *Master) Heartbeat(workerID string, activeJobIDs []string) error {
	if err := m.registry.Heartbeat(workerID); err != nil {
		return err
	}
	for _, jobID := range activeJobIDs {
		if err := m.queue.MarkRunning(jobID, workerID); err != nil {
			m.log.Warn("stale active job in heartbeat",
				zap.String("worker_id", workerID),
				zap.String("job_id", jobID),
				zap.Error(err))
		}
	}
	return nil
}

// DequeueFor hands the head of the queue to a pull-mode worker; ok is false
// when the queue is empty. The pull itself proves liveness, so it refreshes
// the heartbeat first.
func (m *Master) DequeueFor(workerID string) (models.Job, bool, error) {
	if err := m.registry.Heartbeat(workerID); err != nil {
		return models.Job{}, false, err
	}
	job, ok := m.queue.DequeueFor(workerID)
	if !ok {
		return models.Job{}, false, nil
	}
	if err := m.registry.Assign(workerID, job.ID); err != nil {
		if rqErr := m.queue.Requeue(job.ID); rqErr != nil {
			m.log.Error("requeue after pull assign failure",
				zap.String("job_id", job.ID), zap.Error(rqErr))
		}
		return models.Job{}, false, err
	}
	return job, true, nil
}

// Report applies a worker-reported outcome.
func (m *Master) Report(jobID, workerID string, result models.Result) error {
	return m.aggregator.Report(jobID, workerID, result)
}

// GetResult returns the stored outcome of a terminal job.
func (m *Master) GetResult(jobID string) (models.JobState, *models.Result, error) {
	return m.aggregator.GetResult(jobID)
}

// SlaveList returns worker summaries in registration order.
func (m *Master) SlaveList() []models.Worker {
	return m.registry.List()
}

// Info computes the aggregate master snapshot on demand; nothing here is
// cached between calls.
func (m *Master) Info() models.MasterInfo {
	counts := m.queue.Counts()
	workers := m.registry.List()

	online := 0
	for _, w := range workers {
		if w.Status != models.WorkerOffline {
			online++
		}
	}

	return models.MasterInfo{
		Hostname:     m.hostname,
		WorkerCount:  len(workers),
		OnlineCount:  online,
		QueuedCount:  counts.Queued,
		RunningCount: counts.Running,
		Counts:       counts,
		Timestamp:    time.Now(),
	}
}
