package models

import "time"

// WorkerStatus is the liveness/occupancy state of a slave node.
type WorkerStatus string

const (
	// WorkerOnline means the worker heartbeats in time and has free capacity.
	WorkerOnline WorkerStatus = "online"
	// WorkerBusy means the worker is live but every slot is occupied.
	WorkerBusy WorkerStatus = "busy"
	// WorkerOffline means the heartbeat timed out or a dispatch was rejected;
	// the worker returns to online on its next heartbeat.
	WorkerOffline WorkerStatus = "offline"
)

// Worker holds the state and health of a slave node as seen by the master.
type Worker struct {
	ID            string       `json:"id"`              // unique, stable across reconnects
	Hostname      string       `json:"hostname"`        // reported by the slave at registration
	Address       string       `json:"address"`         // dispatch endpoint base URL
	Capacity      int          `json:"capacity"`        // max concurrent jobs
	Status        WorkerStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	RegisteredAt  time.Time    `json:"registered_at"`
	AssignedJobs  []string     `json:"assigned_jobs"`   // IDs of jobs currently held
	TotalJobsRun  int          `json:"total_jobs_run"`  // completed or failed on this worker
}

// Load is the number of jobs currently assigned to the worker.
func (w Worker) Load() int { return len(w.AssignedJobs) }

// FreeSlots is the remaining dispatch capacity.
func (w Worker) FreeSlots() int { return w.Capacity - len(w.AssignedJobs) }
