// Package supervisor implements the Supervisor (spec ยง4.5): a periodic
// reconciliation loop that probes running jobs, advances terminal states,
// optionally drains the queue, and logs stale agents (their stored state
// is not changed). Grounded on the
// teacher's pkg/observability/web_dashboard.go startMetricsCollection
// ticker loop (time.NewTicker + select + ctx.Done()), driven here by
// github.com/robfig/cron/v3 for the configurable tick schedule.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/agentaflow/gpuhub/internal/dispatch"
	"github.com/agentaflow/gpuhub/internal/executor"
	"github.com/agentaflow/gpuhub/internal/logging"
	"github.com/agentaflow/gpuhub/internal/store"
	"github.com/agentaflow/gpuhub/internal/tracing"
)

// AgentResolver resolves an agent's Executor base URL, shared with
// internal/dispatch.
type AgentResolver func(agentID uint) (baseURL string, err error)

// Supervisor owns the periodic reconciliation tick.
type Supervisor struct {
	store        *store.Store
	dispatcher   *dispatch.Dispatcher
	resolve      AgentResolver
	log          *logging.Logger
	tracer       *tracing.Service
	offlineAfter time.Duration
	cron         *cron.Cron
	tickMu       sync.Mutex
	now          func() time.Time
}

// New creates a Supervisor. offlineAfter is the agent_offline_timeout
// config key (spec ยง6, default 300s). tracer may be nil to disable spans.
func New(s *store.Store, d *dispatch.Dispatcher, resolve AgentResolver, log *logging.Logger, offlineAfter time.Duration, tracer *tracing.Service) *Supervisor {
	return &Supervisor{
		store:        s,
		dispatcher:   d,
		resolve:      resolve,
		log:          log,
		tracer:       tracer,
		offlineAfter: offlineAfter,
		now:          time.Now,
	}
}

// Start schedules TickNow every interval via cron. At-most-one tick runs
// concurrently (spec ยง5): an overlapping fire is skipped, not queued.
func (sv *Supervisor) Start(interval time.Duration) {
	sv.cron = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", interval)
	sv.cron.AddFunc(spec, func() {
		if err := sv.TickNow(context.Background()); err != nil && sv.log != nil {
			sv.log.Warn("supervisor", "tick error", map[string]interface{}{"error": err.Error()})
		}
	})
	sv.cron.Start()
}

// Stop halts the cron schedule; in-flight ticks are allowed to finish.
func (sv *Supervisor) Stop() {
	if sv.cron != nil {
		ctx := sv.cron.Stop()
		<-ctx.Done()
	}
}

// TickNow runs one reconciliation pass synchronously. Backs the Job API's
// monitor-now operation as well as the cron schedule.
func (sv *Supervisor) TickNow(ctx context.Context) error {
	if !sv.tickMu.TryLock() {
		return nil
	}
	defer sv.tickMu.Unlock()

	var span oteltrace.Span
	if sv.tracer != nil {
		ctx, span = sv.tracer.SupervisorTick(ctx)
		defer span.End()
	}

	if err := sv.reconcileRunningJobs(ctx); err != nil {
		if sv.tracer != nil {
			sv.tracer.RecordError(span, err)
		}
		return err
	}
	if err := sv.drainQueue(ctx); err != nil {
		if sv.tracer != nil {
			sv.tracer.RecordError(span, err)
		}
		return err
	}
	return sv.markStaleAgents()
}

func (sv *Supervisor) reconcileRunningJobs(ctx context.Context) error {
	jobs, err := sv.store.ListRunningJobs()
	if err != nil {
		return fmt.Errorf("supervisor: list running jobs: %w", err)
	}

	for _, job := range jobs {
		if job.AgentID == nil || job.PID == nil {
			continue
		}
		agent, err := sv.store.GetAgent(*job.AgentID)
		if err != nil {
			if sv.log != nil {
				sv.log.Warn("supervisor", "owning agent missing", map[string]interface{}{"job_id": job.ID})
			}
			continue
		}

		var stillRunning bool
		var probeErr error
		if agent.IsLocal {
			stillRunning = processAlive(*job.PID)
		} else {
			stillRunning, probeErr = sv.probeRemote(ctx, agent, *job.PID)
		}

		if probeErr != nil {
			if sv.log != nil {
				sv.log.Warn("supervisor", "remote probe failed, retrying next tick", map[string]interface{}{"job_id": job.ID, "error": probeErr.Error()})
			}
			continue
		}
		if stillRunning {
			continue
		}

		completed := store.JobCompleted
		now := sv.now()
		if err := sv.store.UpdateJob(job.ID, store.JobUpdate{Status: &completed, FinishedAt: &now}); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return fmt.Errorf("supervisor: mark job %d completed: %w", job.ID, err)
		}
		if err := sv.store.AppendHistory(job.ID, "completed", "process no longer running", now); err != nil {
			return fmt.Errorf("supervisor: append completion history: %w", err)
		}
	}
	return nil
}

// processAlive reports whether pid exists using the POSIX existence check
// (signal 0: no signal is actually delivered).
func processAlive(pid int) bool {
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil
}

func (sv *Supervisor) probeRemote(ctx context.Context, agent *store.Agent, pid int) (running bool, err error) {
	baseURL, err := sv.resolve(agent.ID)
	if err != nil {
		return false, err
	}
	client := executor.New(baseURL)
	resp, err := client.JobStatus(ctx, pid)
	if err != nil {
		return false, err
	}
	return resp.IsRunning(), nil
}

// drainQueue re-runs Placement for every queued job, oldest first. A
// queue-drain that still finds no-fit leaves the job queued (spec ยง4.5
// step 3, optional/non-critical).
func (sv *Supervisor) drainQueue(ctx context.Context) error {
	queued, err := sv.store.ListQueuedJobs()
	if err != nil {
		return fmt.Errorf("supervisor: list queued jobs: %w", err)
	}

	for _, job := range queued {
		_, err := sv.dispatcher.Requeue(ctx, job)
		if err != nil && sv.log != nil {
			sv.log.Warn("supervisor", "queue drain requeue failed", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
		}
	}
	return nil
}

func (sv *Supervisor) markStaleAgents() error {
	if sv.offlineAfter <= 0 {
		return nil
	}
	cutoff := sv.now().Add(-sv.offlineAfter)
	stale, err := sv.store.ListStaleAgents(cutoff)
	if err != nil {
		return fmt.Errorf("supervisor: list stale agents: %w", err)
	}
	if len(stale) > 0 && sv.log != nil {
		names := make([]string, len(stale))
		for i, a := range stale {
			names[i] = a.Hostname
		}
		sv.log.Info("supervisor", "stale agents detected", map[string]interface{}{"agents": names})
	}
	return nil
}
