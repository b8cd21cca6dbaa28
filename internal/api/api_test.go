package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/agentaflow/gpuhub/internal/dispatch"
	"github.com/agentaflow/gpuhub/internal/ingest"
	"github.com/agentaflow/gpuhub/internal/placement"
	"github.com/agentaflow/gpuhub/internal/store"
	"github.com/agentaflow/gpuhub/internal/supervisor"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared", "hub-01")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	engine := placement.New(s, placement.DefaultWeights(), nil)
	resolve := func(agentID uint) (string, error) { return "http://unused.invalid", nil }
	d := dispatch.New(s, engine, resolve, nil, nil)
	sv := supervisor.New(s, d, resolve, nil, 5*time.Minute, nil)
	ing := ingest.New(s, nil)

	return New(s, ing, d, sv, nil, nil), s
}

func TestReportInAcceptsValidPayload(t *testing.T) {
	srv, _ := newTestServer(t)

	body := []byte(`{
		"agent_info": {"hostname": "h1", "ip_address": "10.0.0.1", "os": "linux"},
		"gpu_report": {"gpus": [{"id": "GPU-0", "model": "A100", "status": "healthy"}], "detection_method": "nvidia-smi", "status": "ok"}
	}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/report-in", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "success" {
		t.Errorf("expected success, got %v", resp["status"])
	}
	if resp["gpus_added"].(float64) != 1 {
		t.Errorf("expected gpus_added=1, got %v", resp["gpus_added"])
	}
	if resp["gpus_removed"].(float64) != 0 {
		t.Errorf("expected gpus_removed=0 on first report, got %v", resp["gpus_removed"])
	}
}

func TestSubmitRejectsEmptyCommand(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/submit", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitQueuesWhenNoFit(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/submit", bytes.NewReader([]byte(`{"command":"echo hi"}`)))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "queued" {
		t.Errorf("expected queued, got %v", resp["status"])
	}
}

func TestStatusReturns404ForUnknownJob(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/9999/status", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCancelOnQueuedJobReturnsNotRunningWithoutMutation(t *testing.T) {
	srv, s := newTestServer(t)
	jobID, err := s.CreateJob(store.NewJob{Command: "x", Status: store.JobQueued, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+strconv.FormatInt(jobID, 10)+"/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "not_running" {
		t.Errorf("expected not_running, got %v", resp["status"])
	}

	job, err := s.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != store.JobQueued {
		t.Errorf("expected job to remain queued, got %s", job.Status)
	}
}
