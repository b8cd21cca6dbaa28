package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunJobReturnsParsedPID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agent/run-job" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req RunJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.JobID != 42 {
			t.Errorf("expected job_id 42, got %d", req.JobID)
		}
		if req.WorkloadType != "training" {
			t.Errorf("expected workload_type training, got %q", req.WorkloadType)
		}
		json.NewEncoder(w).Encode(RunJobResponse{PID: 1234})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.RunJob(context.Background(), RunJobRequest{JobID: 42, Command: "x", GPUID: "GPU-0", WorkloadType: "training"})
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	if resp.PID != 1234 {
		t.Errorf("expected pid 1234, got %d", resp.PID)
	}
}

func TestRunJobFailsOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.RunJob(context.Background(), RunJobRequest{JobID: 1}); err == nil {
		t.Fatalf("expected error on non-200 response")
	}
}

func TestJobStatusReportsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Real agent wire format (spec ยง4.7): {"pid":X,"status":"running"}.
		w.Write([]byte(`{"pid":99,"status":"running"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.JobStatus(context.Background(), 99)
	if err != nil {
		t.Fatalf("job status: %v", err)
	}
	if !resp.IsRunning() {
		t.Errorf("expected IsRunning() true for status=running")
	}
}

func TestJobStatusReportsNotRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pid":99,"status":"not_running"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.JobStatus(context.Background(), 99)
	if err != nil {
		t.Fatalf("job status: %v", err)
	}
	if resp.IsRunning() {
		t.Errorf("expected IsRunning() false for status=not_running")
	}
}

func TestJobStatusTransportErrorPropagates(t *testing.T) {
	c := New("http://127.0.0.1:0")
	if _, err := c.JobStatus(context.Background(), 1); err == nil {
		t.Fatalf("expected transport error")
	}
}
