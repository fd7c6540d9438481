package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talus-framework/talus-master/pkg/models"
)

func newTestRegistry(onEvict EvictFunc) *Registry {
	return New(Options{
		HeartbeatTimeout: 15 * time.Second,
		SweepInterval:    time.Second,
		GracePeriod:      time.Minute,
		OnEvict:          onEvict,
	}, nil)
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := newTestRegistry(nil)

	first := r.Register("w1", "host-a", "http://a:8090", 2)
	assert.Equal(t, models.WorkerOnline, first.Status)
	assert.Equal(t, 2, first.Capacity)

	r.SetOffline("w1")

	again := r.Register("w1", "host-a", "http://a:9090", 4)
	assert.Equal(t, 4, again.Capacity, "re-register updates capacity")
	assert.Equal(t, "http://a:9090", again.Address)
	assert.Equal(t, models.WorkerOnline, again.Status, "re-register clears offline")
	assert.Equal(t, first.RegisteredAt, again.RegisteredAt, "identity is stable")

	assert.Len(t, r.List(), 1)
}

func TestListKeepsRegistrationOrder(t *testing.T) {
	r := newTestRegistry(nil)
	r.Register("w2", "", "", 1)
	r.Register("w1", "", "", 1)
	r.Register("w3", "", "", 1)

	var ids []string
	for _, w := range r.List() {
		ids = append(ids, w.ID)
	}
	assert.Equal(t, []string{"w2", "w1", "w3"}, ids)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	r := newTestRegistry(nil)
	assert.ErrorIs(t, r.Heartbeat("ghost"), models.ErrUnknownWorker)
}

func TestHeartbeatRevivesOfflineWorker(t *testing.T) {
	r := newTestRegistry(nil)
	r.Register("w1", "", "", 1)
	r.SetOffline("w1")

	require.NoError(t, r.Heartbeat("w1"))
	w, err := r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerOnline, w.Status)
}

func TestAssignEnforcesCapacity(t *testing.T) {
	r := newTestRegistry(nil)
	r.Register("w1", "", "", 2)

	require.NoError(t, r.Assign("w1", "j1"))
	require.NoError(t, r.Assign("w1", "j2"))

	w, _ := r.Get("w1")
	assert.Equal(t, models.WorkerBusy, w.Status)
	assert.Equal(t, 2, w.Load())

	err := r.Assign("w1", "j3")
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)

	assert.ErrorIs(t, r.Assign("ghost", "j1"), models.ErrUnknownWorker)
}

func TestReleaseFreesSlotAndCounts(t *testing.T) {
	r := newTestRegistry(nil)
	r.Register("w1", "", "", 1)
	require.NoError(t, r.Assign("w1", "j1"))

	r.Release("w1", "j1", true)
	w, _ := r.Get("w1")
	assert.Equal(t, models.WorkerOnline, w.Status)
	assert.Equal(t, 0, w.Load())
	assert.Equal(t, 1, w.TotalJobsRun)

	// Releasing a job the worker does not hold changes nothing.
	r.Release("w1", "j1", true)
	w, _ = r.Get("w1")
	assert.Equal(t, 1, w.TotalJobsRun)

	// Dispatch failures and cancellations do not count as runs.
	require.NoError(t, r.Assign("w1", "j2"))
	r.Release("w1", "j2", false)
	w, _ = r.Get("w1")
	assert.Equal(t, 1, w.TotalJobsRun)
}

func TestSweepMarksStaleWorkersOfflineAndEvictsJobs(t *testing.T) {
	var mu sync.Mutex
	evicted := map[string][]string{}
	r := newTestRegistry(func(workerID string, jobIDs []string) {
		mu.Lock()
		defer mu.Unlock()
		evicted[workerID] = append(evicted[workerID], jobIDs...)
	})

	r.Register("w1", "", "", 2)
	require.NoError(t, r.Assign("w1", "j1"))
	require.NoError(t, r.Assign("w1", "j2"))

	// Heartbeat still fresh: nothing happens.
	r.sweep(time.Now())
	w, _ := r.Get("w1")
	assert.Equal(t, models.WorkerBusy, w.Status)

	// Past the timeout: offline, jobs handed to the eviction callback.
	r.sweep(time.Now().Add(16 * time.Second))
	w, _ = r.Get("w1")
	assert.Equal(t, models.WorkerOffline, w.Status)
	assert.Equal(t, 0, w.Load())

	mu.Lock()
	assert.Equal(t, []string{"j1", "j2"}, evicted["w1"])
	mu.Unlock()
}

func TestSweepRemovesWorkerAfterGracePeriod(t *testing.T) {
	r := newTestRegistry(nil)
	r.Register("w1", "", "", 1)

	r.sweep(time.Now().Add(16 * time.Second))
	_, err := r.Get("w1")
	require.NoError(t, err, "offline workers stay listed during grace")

	r.sweep(time.Now().Add(16*time.Second + 2*time.Minute))
	_, err = r.Get("w1")
	assert.ErrorIs(t, err, models.ErrUnknownWorker)
	assert.Empty(t, r.List())
}

func TestSweepSkipsFreshlyRejectedWorker(t *testing.T) {
	// A worker marked offline after a rejected dispatch keeps heartbeating;
	// the sweep must not evict it while its heartbeat is fresh.
	r := newTestRegistry(nil)
	r.Register("w1", "", "", 1)
	r.SetOffline("w1")

	r.sweep(time.Now())
	_, err := r.Get("w1")
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat("w1"))
	w, _ := r.Get("w1")
	assert.Equal(t, models.WorkerOnline, w.Status)
}
