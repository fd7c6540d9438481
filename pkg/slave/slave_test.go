package slave

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talus-framework/talus-master/pkg/api"
	"github.com/talus-framework/talus-master/pkg/client"
	"github.com/talus-framework/talus-master/pkg/config"
	"github.com/talus-framework/talus-master/pkg/master"
	"github.com/talus-framework/talus-master/pkg/models"
	"github.com/talus-framework/talus-master/pkg/scheduler"
)

// The agent is tested against a real master over HTTP: the master pushes
// through its own dispatcher and the agent reports back through the client.
func newAgentFixture(t *testing.T, opts Options) (*Agent, *client.Client, *master.Master) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Scheduler.Interval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Registry.SweepInterval = config.Duration{Duration: time.Hour}

	m := master.New(cfg, nil, nil, nil) // real HTTP push dispatcher
	m.Start()
	t.Cleanup(m.Stop)

	masterRouter := gin.New()
	api.New(m, nil).SetupRoutes(masterRouter)
	masterSrv := httptest.NewServer(masterRouter)
	t.Cleanup(masterSrv.Close)

	agentRouter := gin.New()
	agent := New(client.New(masterSrv.URL), opts, nil)
	agent.SetupRoutes(agentRouter)
	agentSrv := httptest.NewServer(agentRouter)
	t.Cleanup(agentSrv.Close)

	agent.advertiseURL = agentSrv.URL
	require.NoError(t, agent.Register(context.Background()))

	return agent, client.New(masterSrv.URL), m
}

func TestAgentRunsPushedJobAndReports(t *testing.T) {
	_, c, _ := newAgentFixture(t, Options{
		ID:       "slave-1",
		Hostname: "host-1",
		Capacity: 1,
	})

	ctx := context.Background()
	jobID, err := c.SubmitJob(ctx, json.RawMessage(`{"echo":"hi"}`), models.DefaultPriority)
	require.NoError(t, err)

	// Push dispatch, echo handler, report: the job completes on its own.
	require.Eventually(t, func() bool {
		job, err := c.GetJob(ctx, jobID)
		return err == nil && job.State == models.JobCompleted
	}, 3*time.Second, 20*time.Millisecond)

	res, err := c.GetResult(ctx, jobID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"hi"}`, string(res.Result.Data))

	slaves, err := c.Slaves(ctx)
	require.NoError(t, err)
	require.Len(t, slaves, 1)
	assert.Equal(t, 1, slaves[0].TotalJobsRun)
}

func TestAgentReportsHandlerFailure(t *testing.T) {
	_, c, _ := newAgentFixture(t, Options{
		ID:       "slave-1",
		Capacity: 1,
		Handler: func(context.Context, string, json.RawMessage) (models.Result, error) {
			return models.Result{}, assert.AnError
		},
	})

	ctx := context.Background()
	jobID, err := c.SubmitJob(ctx, nil, models.DefaultPriority)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := c.GetJob(ctx, jobID)
		return err == nil && job.State == models.JobFailed
	}, 3*time.Second, 20*time.Millisecond)

	res, err := c.GetResult(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Result.Code)
}

func TestAgentAbortCancelsHandler(t *testing.T) {
	started := make(chan string, 1)
	agent, c, _ := newAgentFixture(t, Options{
		ID:       "slave-1",
		Capacity: 1,
		Handler: func(ctx context.Context, jobID string, _ json.RawMessage) (models.Result, error) {
			started <- jobID
			<-ctx.Done()
			return models.Result{}, ctx.Err()
		},
	})

	ctx := context.Background()
	jobID, err := c.SubmitJob(ctx, nil, models.DefaultPriority)
	require.NoError(t, err)

	select {
	case got := <-started:
		require.Equal(t, jobID, got)
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	// Cancel through the master: bookkeeping flips immediately and the
	// abort reaches the agent's context.
	require.NoError(t, c.CancelJob(ctx, jobID))

	require.Eventually(t, func() bool {
		return len(agent.ActiveJobs()) == 0
	}, 3*time.Second, 20*time.Millisecond)

	job, err := c.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, job.State)
}

func TestAgentCapacityGate(t *testing.T) {
	gin.SetMode(gin.TestMode)

	block := make(chan struct{})
	agent := New(client.New("http://127.0.0.1:1"), Options{
		ID:       "slave-1",
		Capacity: 1,
		Handler: func(ctx context.Context, _ string, _ json.RawMessage) (models.Result, error) {
			<-block
			return models.Result{Success: true}, nil
		},
	}, nil)

	router := gin.New()
	agent.SetupRoutes(router)
	srv := httptest.NewServer(router)
	defer srv.Close()
	defer close(block)

	d := scheduler.NewHTTPDispatcher()
	worker := models.Worker{ID: "slave-1", Address: srv.URL}

	err := d.Dispatch(context.Background(), worker, models.Job{ID: "j1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(agent.ActiveJobs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Second push overflows the single slot; the dispatcher reads that as
	// a rejection, which makes the scheduler requeue.
	err = d.Dispatch(context.Background(), worker, models.Job{ID: "j2"})
	assert.Error(t, err)

	// Re-pushing the active job is acknowledged, not double-run.
	err = d.Dispatch(context.Background(), worker, models.Job{ID: "j1"})
	assert.NoError(t, err)
	assert.Len(t, agent.ActiveJobs(), 1)
}
