package models

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a job tracked by the master.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobAssigned  JobState = "assigned"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final. Terminal jobs are immutable.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Priority bounds. Higher priority dequeues first; jobs with equal priority
// are dispatched FIFO by submission order.
const (
	MinPriority     = 0
	MaxPriority     = 100
	DefaultPriority = 50
)

// Job is a unit of work with a lifecycle tracked by the master. The payload
// is opaque to the orchestration layer and owned by the caller.
//
// WorkerID is a weak reference: a lookup key into the worker registry, never
// an owning link. It is empty while the job is queued or after requeueing.
type Job struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	State       JobState        `json:"state"`
	WorkerID    string          `json:"worker_id,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Result      *Result         `json:"result,omitempty"`
}

// Result is the outcome a worker reports for a job: an opaque blob plus a
// status code. Success selects the completed/failed terminal state.
type Result struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// JobCounts is a per-state snapshot of every job the master has seen.
type JobCounts struct {
	Queued    int `json:"queued"`
	Assigned  int `json:"assigned"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// MasterInfo is the aggregate snapshot behind `master info`. It is computed
// on demand, never cached.
type MasterInfo struct {
	Hostname     string    `json:"hostname"`
	WorkerCount  int       `json:"worker_count"`
	OnlineCount  int       `json:"online_count"`
	QueuedCount  int       `json:"queued_count"`
	RunningCount int       `json:"running_count"`
	Counts       JobCounts `json:"counts"`
	Timestamp    time.Time `json:"timestamp"`
}
