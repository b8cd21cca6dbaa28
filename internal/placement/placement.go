// Package placement implements the GPU scoring engine (spec ยง4.3). It is
// grounded on the teacher's pkg/gpu/scheduler.go strategy functions
// (findLeastUtilizedGPU, findBestFitGPU) but collapses the teacher's
// multi-strategy switch into the spec's single deterministic weighted
// score, since the spec defines one ranking law rather than pluggable
// strategies.
package placement

import (
	"context"
	"errors"
	"sort"

	"github.com/agentaflow/gpuhub/internal/store"
	"github.com/agentaflow/gpuhub/internal/tracing"
)

// ErrNoFit is returned when no healthy, available GPU exists. It is not a
// failure: the caller (Dispatcher) queues the job instead.
var ErrNoFit = errors.New("placement: no fit")

// ErrGPUNotFound is returned when a caller-supplied preferred_gpu_id does
// not exist in the inventory.
var ErrGPUNotFound = errors.New("placement: gpu not found")

// AutoSentinel is the preferred_gpu_id value meaning "let Placement choose".
const AutoSentinel = "auto"

// Weights are the operator-tunable coefficients of the priority score.
// Spec ยง9 treats these as an open question: an implementer SHOULD expose
// them as configuration but MUST default to the values below.
type Weights struct {
	Temperature float64
	Utilization float64
	ActiveJobs  float64
	Memory      float64
}

// DefaultWeights are the literal weights from spec ยง4.3.
func DefaultWeights() Weights {
	return Weights{Temperature: 2.0, Utilization: 3.0, ActiveJobs: 5.0, Memory: 1.5}
}

// Request is a placement query: an optional explicit GPU, otherwise "auto".
type Request struct {
	WorkloadType   string
	PreferredGPUID string
}

// Engine selects a GPU for a job request.
type Engine struct {
	store   *store.Store
	weights Weights
	tracer  *tracing.Service
}

// New creates a placement Engine with the given weights. A zero Weights
// value is replaced with DefaultWeights. tracer may be nil to disable
// spans.
func New(s *store.Store, weights Weights, tracer *tracing.Service) *Engine {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Engine{store: s, weights: weights, tracer: tracer}
}

// Select implements the spec ยง4.3 algorithm: an explicit, non-"auto"
// preferred GPU bypasses scoring entirely; otherwise every healthy,
// available GPU is scored and the minimum wins, ties broken by the
// lexicographically earliest gpu_id.
func (e *Engine) Select(ctx context.Context, req Request) (*store.GPU, error) {
	if e.tracer != nil {
		_, span := e.tracer.Placement(ctx, req.WorkloadType)
		defer span.End()
	}

	if req.PreferredGPUID != "" && req.PreferredGPUID != AutoSentinel {
		gpu, err := e.store.GetGPU(req.PreferredGPUID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrGPUNotFound
			}
			return nil, err
		}
		return gpu, nil
	}

	candidates, err := e.store.ListAvailableGPUs()
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoFit
	}

	activeJobs, err := e.store.CountActiveJobsPerGPU()
	if err != nil {
		return nil, err
	}

	type scored struct {
		gpu   store.GPU
		score float64
	}
	ranked := make([]scored, len(candidates))
	for i, gpu := range candidates {
		ranked[i] = scored{gpu: gpu, score: e.score(gpu, activeJobs[gpu.ID])}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score < ranked[j].score
		}
		return ranked[i].gpu.ID < ranked[j].gpu.ID
	})

	best := ranked[0].gpu
	return &best, nil
}

// score computes the priority score for gpu given its active job count.
// Lower is better. Pure function, never blocks (spec ยง5).
func (e *Engine) score(gpu store.GPU, activeJobCount int) float64 {
	// A GPU that never reported a temperature is indistinguishable, once
	// stored, from one that reported exactly 0ยฐC: Ingest defaults missing
	// numeric fields to zero (spec ยง4.2). Treat the zero-value sentinel as
	// "unknown" and fall back to the spec's assumed 50ยฐC, matching the
	// memory-percentage fallback below.
	tempRaw := gpu.TemperatureC
	if tempRaw == 0 {
		tempRaw = 50
	}

	tempScore := float64(tempRaw)
	if tempRaw > 80 {
		tempScore = float64(tempRaw) * 2
	}

	utilScore := float64(gpu.UtilizationPct)
	jobsScore := float64(activeJobCount) * 20

	memPct := 50.0
	if gpu.MemoryTotalBytes > 0 {
		memPct = float64(gpu.MemoryUsedBytes) / float64(gpu.MemoryTotalBytes) * 100
	}

	return e.weights.Temperature*tempScore +
		e.weights.Utilization*utilScore +
		e.weights.ActiveJobs*jobsScore +
		e.weights.Memory*memPct
}
