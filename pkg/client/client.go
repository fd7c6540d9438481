// Package client is the HTTP client for the master's orchestration API.
// The talus CLI and the slave agent both sit on top of it. Error kinds
// returned by the master are resolved back to the pkg/models sentinels so
// callers can use errors.Is across the wire.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/talus-framework/talus-master/pkg/models"
)

// Client talks to one master.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the master at baseURL (no trailing slash).
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// apiError turns a non-2xx response into an error, preserving the kind.
func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Kind != "" {
		if sentinel := models.KindError(body.Kind); sentinel != nil {
			return fmt.Errorf("%s: %w", body.Error, sentinel)
		}
	}
	return fmt.Errorf("master returned status %d: %s", resp.StatusCode, raw)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w: %w", method, path, models.ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, apiError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// SubmitJob submits a payload and returns the assigned job ID.
func (c *Client) SubmitJob(ctx context.Context, payload json.RawMessage, priority int) (string, error) {
	req := map[string]interface{}{"payload": payload, "priority": priority}
	var resp struct {
		JobID string `json:"job_id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/jobs", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// GetJob fetches a job snapshot.
func (c *Client) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	var job models.Job
	_, err := c.do(ctx, http.MethodGet, "/api/jobs/"+jobID, nil, &job)
	return job, err
}

// CancelJob cancels a job.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/jobs/"+jobID, nil, nil)
	return err
}

// ResultResponse is the envelope returned by GetResult.
type ResultResponse struct {
	JobID  string          `json:"job_id"`
	State  models.JobState `json:"state"`
	Result *models.Result  `json:"result"`
}

// GetResult fetches a terminal job's outcome. While the job is still in
// flight it returns ErrResultPending along with the current state.
func (c *Client) GetResult(ctx context.Context, jobID string) (ResultResponse, error) {
	var resp ResultResponse
	status, err := c.do(ctx, http.MethodGet, "/api/jobs/"+jobID+"/result", nil, &resp)
	if err != nil {
		return resp, err
	}
	if status == http.StatusAccepted {
		return resp, fmt.Errorf("job %s is %s: %w", jobID, resp.State, models.ErrResultPending)
	}
	return resp, nil
}

// Report delivers a worker's outcome for a job.
func (c *Client) Report(ctx context.Context, jobID, workerID string, result models.Result) error {
	req := map[string]interface{}{"worker_id": workerID, "result": result}
	_, err := c.do(ctx, http.MethodPost, "/api/jobs/"+jobID+"/report", req, nil)
	return err
}

// Register announces a slave to the master. Safe to repeat on reconnect.
func (c *Client) Register(ctx context.Context, id, hostname, address string, capacity int) (models.Worker, error) {
	req := map[string]interface{}{
		"id":       id,
		"hostname": hostname,
		"address":  address,
		"capacity": capacity,
	}
	var worker models.Worker
	_, err := c.do(ctx, http.MethodPost, "/api/slaves/register", req, &worker)
	return worker, err
}

// Heartbeat refreshes a slave's liveness and reports its active jobs.
func (c *Client) Heartbeat(ctx context.Context, workerID string, activeJobIDs []string) error {
	req := map[string]interface{}{"active_job_ids": activeJobIDs}
	_, err := c.do(ctx, http.MethodPost, "/api/slaves/"+workerID+"/heartbeat", req, nil)
	return err
}

// Dequeue pulls the next queued job for a worker; ok is false when the
// queue is empty.
func (c *Client) Dequeue(ctx context.Context, workerID string) (models.Job, bool, error) {
	var job models.Job
	status, err := c.do(ctx, http.MethodPost, "/api/slaves/"+workerID+"/dequeue", nil, &job)
	if err != nil {
		return models.Job{}, false, err
	}
	if status == http.StatusNoContent {
		return models.Job{}, false, nil
	}
	return job, true, nil
}

// MasterInfo fetches the aggregate master snapshot.
func (c *Client) MasterInfo(ctx context.Context) (models.MasterInfo, error) {
	var info models.MasterInfo
	_, err := c.do(ctx, http.MethodGet, "/api/master/info", nil, &info)
	return info, err
}

// Slaves lists registered workers in registration order.
func (c *Client) Slaves(ctx context.Context) ([]models.Worker, error) {
	var resp struct {
		Count  int             `json:"count"`
		Slaves []models.Worker `json:"slaves"`
	}
	_, err := c.do(ctx, http.MethodGet, "/api/slaves", nil, &resp)
	return resp.Slaves, err
}

// Health probes the master's liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err
}
