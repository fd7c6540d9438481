package client

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
	"github.com/talus-framework/talus-master/pkg/config"
	"github.com/talus-framework/talus-master/pkg/master"
	"github.com/talus-framework/talus-master/pkg/models"
)

type nullDispatcher struct{}

func (nullDispatcher) Dispatch(context.Context, models.Worker, models.Job) error { return nil }
func (nullDispatcher) Abort(context.Context, models.Worker, string) error        { return nil }

// newTestServer runs a real master behind a real HTTP listener so the
// client is exercised end to end.
func newTestServer(t *testing.T) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Master.Hostname = "client-test"
	cfg.Scheduler.Interval = config.Duration{Duration: time.Hour}
	cfg.Registry.SweepInterval = config.Duration{Duration: time.Hour}

	m := master.New(cfg, nullDispatcher{}, nil, nil)
	m.Start()
	t.Cleanup(m.Stop)

	router := gin.New()
	api.New(m, nil).SetupRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return New(server.URL)
}

func TestClientJobLifecycle(t *testing.T) {
	c := newTestServer(t)
	ctx := context.Background()

	_, err := c.Register(ctx, "w1", "host-1", "http://w1:8090", 1)
	require.NoError(t, err)

	jobID, err := c.SubmitJob(ctx, json.RawMessage(`{"target":"x"}`), 70)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := c.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.State)
	assert.Equal(t, 70, job.Priority)

	_, err = c.GetResult(ctx, jobID)
	assert.ErrorIs(t, err, models.ErrResultPending)

	pulled, ok, err := c.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobID, pulled.ID)

	require.NoError(t, c.Heartbeat(ctx, "w1", []string{jobID}))

	job, err = c.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, job.State)

	require.NoError(t, c.Report(ctx, jobID, "w1",
		models.Result{Success: true, Code: 0, Data: json.RawMessage(`{"crashes":0}`)}))

	res, err := c.GetResult(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, res.State)
	require.NotNil(t, res.Result)
	assert.JSONEq(t, `{"crashes":0}`, string(res.Result.Data))
}

func TestClientErrorKindsSurviveTheWire(t *testing.T) {
	c := newTestServer(t)
	ctx := context.Background()

	_, err := c.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	err = c.Heartbeat(ctx, "ghost", nil)
	assert.ErrorIs(t, err, models.ErrUnknownWorker)

	_, _, err = c.Dequeue(ctx, "ghost")
	assert.ErrorIs(t, err, models.ErrUnknownWorker)

	jobID, err := c.SubmitJob(ctx, nil, models.DefaultPriority)
	require.NoError(t, err)
	require.NoError(t, c.CancelJob(ctx, jobID))
	err = c.CancelJob(ctx, jobID)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestClientEmptyDequeue(t *testing.T) {
	c := newTestServer(t)
	ctx := context.Background()

	_, err := c.Register(ctx, "w1", "", "http://w1", 1)
	require.NoError(t, err)

	_, ok, err := c.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClientMasterInfoAndSlaves(t *testing.T) {
	c := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	_, err := c.Register(ctx, "w1", "host-1", "http://w1", 2)
	require.NoError(t, err)
	_, err = c.SubmitJob(ctx, nil, models.DefaultPriority)
	require.NoError(t, err)

	info, err := c.MasterInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "client-test", info.Hostname)
	assert.Equal(t, 1, info.WorkerCount)
	assert.Equal(t, 1, info.QueuedCount)

	slaves, err := c.Slaves(ctx)
	require.NoError(t, err)
	require.Len(t, slaves, 1)
	assert.Equal(t, "w1", slaves[0].ID)

	err = c.CancelJob(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestClientTransportFailure(t *testing.T) {
	c := New("http://127.0.0.1:1") // nothing listens here
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.MasterInfo(ctx)
	assert.ErrorIs(t, err, models.ErrTransportFailure)
}
