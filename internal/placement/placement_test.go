package placement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentaflow/gpuhub/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, uint) {
	t.Helper()
	s, err := store.Open("file::memory:?cache=shared", "hub-01")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	agentID, err := s.UpsertAgent("h1", "10.0.0.1", "linux", time.Now())
	if err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	return New(s, DefaultWeights(), nil), s, agentID
}

func TestSelectNoFitWhenEmpty(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.Select(context.Background(), Request{})
	if !errors.Is(err, ErrNoFit) {
		t.Fatalf("expected ErrNoFit, got %v", err)
	}
}

func TestSelectPreferredGPUBypassesScoring(t *testing.T) {
	e, s, agentID := newTestEngine(t)
	if _, err := s.ReplaceAgentGPUs(agentID, []store.IngestGPU{
		{ID: "GPU-0", Status: store.GPUOverheating, TemperatureC: 99},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	gpu, err := e.Select(context.Background(), Request{PreferredGPUID: "GPU-0"})
	if err != nil {
		t.Fatalf("select preferred: %v", err)
	}
	if gpu.ID != "GPU-0" {
		t.Errorf("expected GPU-0, got %s", gpu.ID)
	}
}

func TestSelectPreferredGPUNotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Select(context.Background(), Request{PreferredGPUID: "GPU-nope"})
	if !errors.Is(err, ErrGPUNotFound) {
		t.Fatalf("expected ErrGPUNotFound, got %v", err)
	}
}

// S3 — tie-break: two identical healthy GPUs, selects the lexicographically
// earliest id.
func TestSelectTieBreakIsLexicographic(t *testing.T) {
	e, s, agentID := newTestEngine(t)
	if _, err := s.ReplaceAgentGPUs(agentID, []store.IngestGPU{
		{ID: "G-A", Status: store.GPUHealthy, TemperatureC: 50, MemoryTotalBytes: 100, MemoryUsedBytes: 50},
		{ID: "G-B", Status: store.GPUHealthy, TemperatureC: 50, MemoryTotalBytes: 100, MemoryUsedBytes: 50},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	gpu, err := e.Select(context.Background(), Request{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if gpu.ID != "G-A" {
		t.Errorf("expected G-A to win tie-break, got %s", gpu.ID)
	}
}

// S4 — prefer the cooler GPU once one crosses the 80ยฐC doubling threshold.
func TestSelectPrefersCoolerAboveThreshold(t *testing.T) {
	e, s, agentID := newTestEngine(t)
	if _, err := s.ReplaceAgentGPUs(agentID, []store.IngestGPU{
		{ID: "G-A", Status: store.GPUHealthy, TemperatureC: 85},
		{ID: "G-B", Status: store.GPUHealthy, TemperatureC: 79},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	gpu, err := e.Select(context.Background(), Request{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if gpu.ID != "G-B" {
		t.Errorf("expected G-B (cooler) to win, got %s", gpu.ID)
	}
}

// Scoring law: fewer active jobs wins when otherwise identical.
func TestSelectPrefersFewerActiveJobs(t *testing.T) {
	e, s, agentID := newTestEngine(t)
	if _, err := s.ReplaceAgentGPUs(agentID, []store.IngestGPU{
		{ID: "G-A", Status: store.GPUHealthy, TemperatureC: 50},
		{ID: "G-B", Status: store.GPUHealthy, TemperatureC: 50},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	gpuB := "G-B"
	if _, err := s.CreateJob(store.NewJob{Command: "x", Status: store.JobRunning, AssignedGPUID: &gpuB, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	gpu, err := e.Select(context.Background(), Request{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if gpu.ID != "G-A" {
		t.Errorf("expected G-A (fewer active jobs) to win, got %s", gpu.ID)
	}
}

func TestScoreFormula(t *testing.T) {
	e := New(nil, DefaultWeights(), nil)
	gpu := store.GPU{TemperatureC: 50, UtilizationPct: 0, MemoryTotalBytes: 100, MemoryUsedBytes: 0}
	got := e.score(gpu, 0)
	want := 100.0
	if got != want {
		t.Errorf("score = %v, want %v", got, want)
	}
}
