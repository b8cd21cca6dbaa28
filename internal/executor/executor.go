// Package executor is the thin RPC client the hub uses to reach a remote
// Agent Executor (spec ยง4.7). Grounded on the teacher's pkg/k8s/cli.go
// pattern of a small struct wrapping *http.Client with fixed per-call
// timeouts, generalized from kubectl-exec's stdout capture to this spec's
// run-job/job-status JSON contract.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Default per-call timeouts (spec ยง6: remote_launch_timeout, remote_probe_timeout).
const (
	DefaultLaunchTimeout = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// RunJobRequest is the body of POST /agent/run-job.
type RunJobRequest struct {
	JobID        int64  `json:"job_id"`
	Command      string `json:"command"`
	GPUID        string `json:"gpu_id"`
	GPUIndex     int    `json:"gpu_index"`
	WorkloadType string `json:"workload_type"`
}

// RunJobResponse is the response of POST /agent/run-job.
type RunJobResponse struct {
	PID int `json:"pid"`
}

// JobStatusResponse is the response of GET /agent/job-status/{pid}. Status
// is one of "running", "not_running" or "not_found" (spec ยง4.7).
type JobStatusResponse struct {
	PID      int    `json:"pid"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// IsRunning reports whether the remote agent still considers the process
// running. Anything other than "running" (spec ยง4.5: "Response
// status=running → leave") means the Supervisor should treat it as ended.
func (r *JobStatusResponse) IsRunning() bool {
	return r.Status == "running"
}

// Client talks to one agent's executor endpoint over HTTP.
type Client struct {
	baseURL       string
	launchClient  *http.Client
	probeClient   *http.Client
}

// New creates a Client targeting baseURL (e.g. "http://10.0.0.5:8001").
func New(baseURL string) *Client {
	return &Client{
		baseURL:      baseURL,
		launchClient: &http.Client{Timeout: DefaultLaunchTimeout},
		probeClient:  &http.Client{Timeout: DefaultProbeTimeout},
	}
}

// RunJob asks the remote agent to launch a command, returning the PID it
// was started under. A non-nil error means the caller must not assume the
// job is running (spec ยง4.4: dispatch failure marks the Job failed).
func (c *Client) RunJob(ctx context.Context, req RunJobRequest) (*RunJobResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("executor: encode run-job request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/run-job", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("executor: build run-job request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.launchClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executor: run-job transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("executor: run-job returned status %d", resp.StatusCode)
	}

	var out RunJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("executor: decode run-job response: %w", err)
	}
	return &out, nil
}

// JobStatus probes whether pid is still running on the remote agent. A
// transport error here must NOT be interpreted as "not running" (spec
// ยง4.6, invariant S1): the Supervisor is responsible for leaving the Job's
// state untouched when this returns an error.
func (c *Client) JobStatus(ctx context.Context, pid int) (*JobStatusResponse, error) {
	url := fmt.Sprintf("%s/agent/job-status/%d", c.baseURL, pid)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("executor: build job-status request: %w", err)
	}

	resp, err := c.probeClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executor: job-status transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("executor: job-status returned status %d", resp.StatusCode)
	}

	var out JobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("executor: decode job-status response: %w", err)
	}
	return &out, nil
}
