package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/talus-framework/talus-master/pkg/models"
)

// DispatchRequest is the body pushed to a slave agent's dispatch endpoint.
type DispatchRequest struct {
	JobID    string          `json:"job_id"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// HTTPDispatcher pushes jobs to slave agents over HTTP/JSON. The worker's
// registered address is the base URL; jobs land on POST {addr}/jobs and
// aborts on DELETE {addr}/jobs/{id}.
type HTTPDispatcher struct {
	httpClient *http.Client
}

// NewHTTPDispatcher creates a dispatcher. Per-call deadlines come from the
// caller's context, so the underlying client carries no timeout of its own.
func NewHTTPDispatcher() *HTTPDispatcher {
	return &HTTPDispatcher{httpClient: &http.Client{}}
}

// Dispatch implements Dispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, worker models.Worker, job models.Job) error {
	body, err := json.Marshal(DispatchRequest{
		JobID:    job.ID,
		Priority: job.Priority,
		Payload:  job.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal dispatch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		worker.Address+"/jobs", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send job %s to %s: %w", job.ID, worker.Address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("worker %s rejected job %s: status %d: %s",
			worker.ID, job.ID, resp.StatusCode, msg)
	}
	return nil
}

// Abort implements Dispatcher.
func (d *HTTPDispatcher) Abort(ctx context.Context, worker models.Worker, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		worker.Address+"/jobs/"+jobID, nil)
	if err != nil {
		return fmt.Errorf("build abort request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("abort job %s on %s: %w", jobID, worker.Address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("abort job %s on %s: status %d", jobID, worker.ID, resp.StatusCode)
	}
	return nil
}
