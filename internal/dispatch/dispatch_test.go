package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/agentaflow/gpuhub/internal/placement"
	"github.com/agentaflow/gpuhub/internal/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store) {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared", "hub-01")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	engine := placement.New(s, placement.DefaultWeights(), nil)
	resolve := func(agentID uint) (string, error) { return "http://unused.invalid", nil }
	return New(s, engine, resolve, nil, nil), s
}

func TestSubmitQueuesWhenNoFit(t *testing.T) {
	d, _ := newTestDispatcher(t)

	out, err := d.Submit(context.Background(), Submission{WorkloadType: "train", Command: "echo hi"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != store.JobQueued {
		t.Fatalf("expected queued, got %s", out.Status)
	}
}

func TestSubmitLaunchesLocallyOnFit(t *testing.T) {
	d, s := newTestDispatcher(t)
	agentID, err := s.UpsertAgent("hub-01", "127.0.0.1", "linux", time.Now())
	if err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	if _, err := s.ReplaceAgentGPUs(agentID, []store.IngestGPU{
		{ID: "GPU-0", Status: store.GPUHealthy},
	}); err != nil {
		t.Fatalf("seed gpu: %v", err)
	}

	out, err := d.Submit(context.Background(), Submission{WorkloadType: "train", Command: "true"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != store.JobRunning {
		t.Fatalf("expected running, got %s", out.Status)
	}
	if out.PID == 0 {
		t.Errorf("expected a nonzero pid")
	}

	job, err := s.GetJob(out.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.PID == nil || *job.PID != out.PID {
		t.Errorf("expected stored pid to match outcome")
	}
}

func TestSubmitFailsOnUnparseableCommand(t *testing.T) {
	d, s := newTestDispatcher(t)
	agentID, _ := s.UpsertAgent("hub-01", "127.0.0.1", "linux", time.Now())
	if _, err := s.ReplaceAgentGPUs(agentID, []store.IngestGPU{
		{ID: "GPU-0", Status: store.GPUHealthy},
	}); err != nil {
		t.Fatalf("seed gpu: %v", err)
	}

	out, err := d.Submit(context.Background(), Submission{Command: "'unterminated"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != store.JobFailed {
		t.Fatalf("expected failed, got %s", out.Status)
	}

	history, err := s.GetHistory(out.JobID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history) == 0 || history[0].Action != "failed" {
		t.Errorf("expected a failed history entry")
	}
}

func TestGPUIndexParsesTrailingInteger(t *testing.T) {
	cases := map[string]int{
		"GPU-3":   3,
		"GPU-0":   0,
		"nvidia12": 12,
		"nogits":  0,
	}
	for id, want := range cases {
		if got := gpuIndex(id); got != want {
			t.Errorf("gpuIndex(%q) = %d, want %d", id, got, want)
		}
	}
}
