// Package dispatch implements the Dispatcher (spec ยง4.4): turns a
// Placement decision into a running process, local or remote, and records
// the result back onto the Job row. Grounded on the teacher's
// pkg/serving/router.go instance-selection-then-launch shape, extended
// with real process spawning since the teacher only ever dispatches HTTP
// requests to an already-running model server.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/google/shlex"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/agentaflow/gpuhub/internal/executor"
	"github.com/agentaflow/gpuhub/internal/logging"
	"github.com/agentaflow/gpuhub/internal/placement"
	"github.com/agentaflow/gpuhub/internal/store"
	"github.com/agentaflow/gpuhub/internal/tracing"
)

// ErrLaunchFailed wraps any reason a launch (local or remote) did not
// succeed. The Job is always left in a terminal failed state when this
// occurs; callers do not need to also mutate the store.
var ErrLaunchFailed = errors.New("dispatch: launch failed")

// Submission is the caller-facing job draft (Job API C6 ยง4.6 submit).
type Submission struct {
	WorkloadType   string
	Command        string
	PreferredGPUID string
}

// Outcome is returned to the Job API after a submit.
type Outcome struct {
	JobID  int64
	Status store.JobStatus
	GPUID  string
	PID    int
}

// AgentResolver looks up the agent endpoint for a remote launch. Kept as
// a function type so the Dispatcher never imports net/http directly for
// address construction (address format is deployment-specific).
type AgentResolver func(agentID uint) (baseURL string, err error)

// Dispatcher wires Placement, the State Store and the Executor client
// together.
type Dispatcher struct {
	store   *store.Store
	engine  *placement.Engine
	resolve AgentResolver
	log     *logging.Logger
	tracer  *tracing.Service
	now     func() time.Time
}

// New creates a Dispatcher. tracer may be nil to disable spans.
func New(s *store.Store, engine *placement.Engine, resolve AgentResolver, log *logging.Logger, tracer *tracing.Service) *Dispatcher {
	return &Dispatcher{store: s, engine: engine, resolve: resolve, log: log, tracer: tracer, now: time.Now}
}

// Submit runs the full spec ยง4.4 procedure: placement, job creation, and
// (on a fit) launch.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (*Outcome, error) {
	gpu, err := d.engine.Select(ctx, placement.Request{WorkloadType: sub.WorkloadType, PreferredGPUID: sub.PreferredGPUID})
	if err != nil {
		if errors.Is(err, placement.ErrNoFit) {
			return d.queue(sub)
		}
		return nil, err
	}

	return d.dispatchToGPU(ctx, sub, gpu, nil)
}

// Requeue re-runs Placement for an already-queued Job (Supervisor's queue
// drain, spec ยง4.5 step 3) and, on a fit, dispatches it in place rather
// than creating a new Job row. Returns (nil, nil) if still no fit.
func (d *Dispatcher) Requeue(ctx context.Context, job store.Job) (*Outcome, error) {
	gpu, err := d.engine.Select(ctx, placement.Request{WorkloadType: job.WorkloadType})
	if err != nil {
		if errors.Is(err, placement.ErrNoFit) {
			return nil, nil
		}
		return nil, err
	}

	sub := Submission{WorkloadType: job.WorkloadType, Command: job.Command}
	return d.dispatchToGPU(ctx, sub, gpu, &job.ID)
}

func (d *Dispatcher) queue(sub Submission) (*Outcome, error) {
	jobID, err := d.store.CreateJob(store.NewJob{
		WorkloadType: sub.WorkloadType,
		Command:      sub.Command,
		Status:       store.JobQueued,
		CreatedAt:    d.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: create queued job: %w", err)
	}
	if err := d.store.AppendHistory(jobID, "queued", "no available GPUs", d.now()); err != nil {
		return nil, fmt.Errorf("dispatch: append history: %w", err)
	}
	return &Outcome{JobID: jobID, Status: store.JobQueued}, nil
}

// dispatchToGPU creates a new pending Job (existingJobID nil) or promotes
// an already-queued one (existingJobID set, used by Requeue) to pending,
// then attempts launch.
func (d *Dispatcher) dispatchToGPU(ctx context.Context, sub Submission, gpu *store.GPU, existingJobID *int64) (*Outcome, error) {
	agent, err := d.store.GetAgent(gpu.AgentID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load owning agent: %w", err)
	}

	var jobID int64
	if existingJobID != nil {
		jobID = *existingJobID
		pending := store.JobPending
		if err := d.store.UpdateJob(jobID, store.JobUpdate{Status: &pending, AssignedGPUID: &gpu.ID, AgentID: &agent.ID}); err != nil {
			return nil, fmt.Errorf("dispatch: promote queued job: %w", err)
		}
	} else {
		jobID, err = d.store.CreateJob(store.NewJob{
			WorkloadType:  sub.WorkloadType,
			Command:       sub.Command,
			Status:        store.JobPending,
			AssignedGPUID: &gpu.ID,
			AgentID:       &agent.ID,
			CreatedAt:     d.now(),
		})
		if err != nil {
			return nil, fmt.Errorf("dispatch: create pending job: %w", err)
		}
	}

	var span oteltrace.Span
	if d.tracer != nil {
		ctx, span = d.tracer.Dispatch(ctx, jobID, agent.IsLocal)
		defer span.End()
	}

	var pid int
	if agent.IsLocal {
		pid, err = d.launchLocal(sub.Command, gpu.ID)
	} else {
		pid, err = d.launchRemote(ctx, agent, jobID, sub, gpu.ID)
	}

	if err != nil {
		if d.tracer != nil {
			d.tracer.RecordError(span, err)
		}
		failed := store.JobFailed
		now := d.now()
		if uErr := d.store.UpdateJob(jobID, store.JobUpdate{Status: &failed, FinishedAt: &now}); uErr != nil {
			return nil, fmt.Errorf("dispatch: mark job failed: %w", uErr)
		}
		if hErr := d.store.AppendHistory(jobID, "failed", "launch failed: "+err.Error(), now); hErr != nil {
			return nil, fmt.Errorf("dispatch: append failure history: %w", hErr)
		}
		if d.log != nil {
			d.log.Error("dispatch", "launch failed", map[string]interface{}{"job_id": jobID, "error": err.Error()})
		}
		return &Outcome{JobID: jobID, Status: store.JobFailed}, nil
	}

	running := store.JobRunning
	startedAt := d.now()
	if err := d.store.UpdateJob(jobID, store.JobUpdate{Status: &running, StartedAt: &startedAt, PID: &pid}); err != nil {
		return nil, fmt.Errorf("dispatch: mark job running: %w", err)
	}
	if err := d.store.AppendHistory(jobID, "started", fmt.Sprintf("launched on gpu %s, pid %d", gpu.ID, pid), startedAt); err != nil {
		return nil, fmt.Errorf("dispatch: append start history: %w", err)
	}

	return &Outcome{JobID: jobID, Status: store.JobRunning, GPUID: gpu.ID, PID: pid}, nil
}

// launchLocal spawns command as a subprocess, exporting CUDA_VISIBLE_DEVICES
// from gpuID's trailing integer (spec ยง4.4).
func (d *Dispatcher) launchLocal(command, gpuID string) (int, error) {
	words, err := shlex.Split(command)
	if err != nil || len(words) == 0 {
		return 0, fmt.Errorf("%w: invalid command %q", ErrLaunchFailed, command)
	}

	cmd := exec.Command(words[0], words[1:]...)
	cmd.Env = append(cmd.Environ(), "CUDA_VISIBLE_DEVICES="+strconv.Itoa(gpuIndex(gpuID)))

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	return cmd.Process.Pid, nil
}

// gpuIndex parses the trailing integer off a GPU id like "GPU-3"; 0 if none.
func gpuIndex(gpuID string) int {
	end := len(gpuID)
	start := end
	for start > 0 && gpuID[start-1] >= '0' && gpuID[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0
	}
	n, err := strconv.Atoi(gpuID[start:end])
	if err != nil {
		return 0
	}
	return n
}

func (d *Dispatcher) launchRemote(ctx context.Context, agent *store.Agent, jobID int64, sub Submission, gpuID string) (int, error) {
	baseURL, err := d.resolve(agent.ID)
	if err != nil {
		return 0, fmt.Errorf("%w: resolve agent address: %v", ErrLaunchFailed, err)
	}

	client := executor.New(baseURL)
	resp, err := client.RunJob(ctx, executor.RunJobRequest{
		JobID:        jobID,
		Command:      sub.Command,
		GPUID:        gpuID,
		GPUIndex:     gpuIndex(gpuID),
		WorkloadType: sub.WorkloadType,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	return resp.PID, nil
}
