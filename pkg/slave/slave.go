// Package slave implements the reference slave agent: it registers with the
// master, accepts pushed jobs up to its capacity, runs them through a
// pluggable handler and reports outcomes back. What a job actually does is
// the handler's business; the agent only orchestrates.
package slave

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/talus-framework/talus-master/pkg/client"
	"github.com/talus-framework/talus-master/pkg/models"
	"github.com/talus-framework/talus-master/pkg/scheduler"
)

// Handler executes one job. The context is cancelled when the master sends
// an abort, so long-running handlers should watch it.
type Handler func(ctx context.Context, jobID string, payload json.RawMessage) (models.Result, error)

// EchoHandler is the default no-op handler: it completes immediately and
// echoes the payload back as the result data.
func EchoHandler(_ context.Context, _ string, payload json.RawMessage) (models.Result, error) {
	return models.Result{Success: true, Data: payload}, nil
}

// Agent is one slave node.
type Agent struct {
	id       string
	hostname string
	// advertiseURL is the base URL the master dispatches to.
	advertiseURL string
	capacity     int

	master  *client.Client
	handler Handler
	log     *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc

	wg sync.WaitGroup
}

// Options configures an agent.
type Options struct {
	ID           string
	Hostname     string
	AdvertiseURL string
	Capacity     int
	Handler      Handler // nil selects EchoHandler
}

// New creates an agent bound to the given master client.
func New(master *client.Client, opts Options, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.NewNop()
	}
	handler := opts.Handler
	if handler == nil {
		handler = EchoHandler
	}
	capacity := opts.Capacity
	if capacity < 1 {
		capacity = 1
	}
	return &Agent{
		id:           opts.ID,
		hostname:     opts.Hostname,
		advertiseURL: opts.AdvertiseURL,
		capacity:     capacity,
		master:       master,
		handler:      handler,
		log:          log,
		active:       make(map[string]context.CancelFunc),
	}
}

// Register announces the agent to the master. Idempotent; call it again
// after reconnecting.
func (a *Agent) Register(ctx context.Context) error {
	_, err := a.master.Register(ctx, a.id, a.hostname, a.advertiseURL, a.capacity)
	return err
}

// SetupRoutes configures the dispatch endpoints the master pushes to.
func (a *Agent) SetupRoutes(router *gin.Engine) {
	router.POST("/jobs", a.acceptJob)
	router.DELETE("/jobs/:id", a.abortJob)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "worker_id": a.id})
	})
}

// ActiveJobs returns the IDs of jobs currently executing, for heartbeats.
func (a *Agent) ActiveJobs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.active))
	for id := range a.active {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until all in-flight jobs have reported.
func (a *Agent) Wait() { a.wg.Wait() }

// acceptJob handles a pushed dispatch. The capacity gate mirrors the
// master's accounting; a 409 makes the scheduler requeue the job.
func (a *Agent) acceptJob(c *gin.Context) {
	var req scheduler.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a.mu.Lock()
	if _, dup := a.active[req.JobID]; dup {
		a.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"accepted": true}) // duplicate push
		return
	}
	if len(a.active) >= a.capacity {
		a.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "worker at capacity"})
		return
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	a.active[req.JobID] = cancel
	a.mu.Unlock()

	a.log.Info("job accepted", zap.String("job_id", req.JobID))

	a.wg.Add(1)
	go a.run(jobCtx, req)

	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// abortJob handles a best-effort abort from the master.
func (a *Agent) abortJob(c *gin.Context) {
	jobID := c.Param("id")

	a.mu.Lock()
	cancel, ok := a.active[jobID]
	a.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not active"})
		return
	}
	cancel()
	a.log.Info("job abort requested", zap.String("job_id", jobID))
	c.JSON(http.StatusOK, gin.H{"aborted": true})
}

// run executes the job and reports the outcome. A cancelled context means
// the master already gave up on this job, so the report is skipped when the
// handler bails out with the context's error.
func (a *Agent) run(ctx context.Context, req scheduler.DispatchRequest) {
	defer a.wg.Done()
	defer func() {
		a.mu.Lock()
		delete(a.active, req.JobID)
		a.mu.Unlock()
	}()

	result, err := a.handler(ctx, req.JobID, req.Payload)
	if err != nil {
		if ctx.Err() != nil {
			a.log.Info("job aborted", zap.String("job_id", req.JobID))
			return
		}
		a.log.Warn("job handler failed",
			zap.String("job_id", req.JobID), zap.Error(err))
		result = models.Result{Success: false, Code: 1, Data: jsonError(err)}
	}

	reportCtx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := a.master.Report(reportCtx, req.JobID, a.id, result); err != nil {
		a.log.Warn("report failed",
			zap.String("job_id", req.JobID), zap.Error(err))
	}
}

func jsonError(err error) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return data
}
