// Package api is the Job API (C6) and the Ingest HTTP endpoint (spec
// ยง4.6, ยง6). Grounded on the teacher's pkg/observability/web_dashboard.go
// setupRouter/handleGPUMetrics/handleAlerts shape: gorilla/mux, a
// `/api/v1` subrouter, mux.Vars path params, JSON request/response, and a
// Content-Type header set before every encode.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/agentaflow/gpuhub/internal/dispatch"
	"github.com/agentaflow/gpuhub/internal/ingest"
	"github.com/agentaflow/gpuhub/internal/logging"
	"github.com/agentaflow/gpuhub/internal/placement"
	"github.com/agentaflow/gpuhub/internal/store"
	"github.com/agentaflow/gpuhub/internal/supervisor"
	"github.com/agentaflow/gpuhub/internal/tracing"
)

func nowFunc() time.Time { return time.Now() }

// ErrValidation marks a request that failed input validation (→ HTTP 400).
var ErrValidation = errors.New("api: validation failed")

// Server wires the Job API and Ingest HTTP endpoint over the core
// services.
type Server struct {
	store      *store.Store
	ingest     *ingest.Service
	dispatcher *dispatch.Dispatcher
	supervisor *supervisor.Supervisor
	log        *logging.Logger
	tracer     *tracing.Service
	router     *mux.Router
}

// New builds the Server and its route table.
func New(s *store.Store, ing *ingest.Service, d *dispatch.Dispatcher, sv *supervisor.Supervisor, log *logging.Logger, tracer *tracing.Service) *Server {
	srv := &Server{store: s, ingest: ing, dispatcher: d, supervisor: sv, log: log, tracer: tracer}
	srv.setupRouter()
	return srv
}

// Router returns the http.Handler to mount on an http.Server.
func (s *Server) Router() http.Handler {
	if s.tracer != nil {
		return s.tracer.Middleware()(s.router)
	}
	return s.router
}

func (s *Server) setupRouter() {
	s.router = mux.NewRouter()

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/agent/report-in", s.handleReportIn).Methods("POST")

	jobs := api.PathPrefix("/jobs").Subrouter()
	jobs.HandleFunc("/submit", s.handleSubmit).Methods("POST")
	jobs.HandleFunc("/monitor-now", s.handleMonitorNow).Methods("POST")
	jobs.HandleFunc("", s.handleList).Methods("GET")
	jobs.HandleFunc("/{id}/status", s.handleStatus).Methods("GET")
	jobs.HandleFunc("/{id}/cancel", s.handleCancel).Methods("POST")
	jobs.HandleFunc("/{id}/history", s.handleHistory).Methods("GET")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// translateError maps a typed error kind (spec ยง7) to an HTTP status and
// body message. Anything unrecognized is a 500.
func translateError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, placement.ErrGPUNotFound):
		return http.StatusBadRequest, "gpu-not-found"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// reportInRequest mirrors the wire format of spec ยง6.
type reportInRequest struct {
	AgentInfo struct {
		Hostname  string `json:"hostname"`
		IPAddress string `json:"ip_address"`
		OS        string `json:"os"`
	} `json:"agent_info"`
	GPUReport struct {
		GPUs []struct {
			ID          string `json:"id"`
			Model       string `json:"model"`
			Status      string `json:"status"`
			Temperature int    `json:"temperature"`
			Utilization int    `json:"utilization"`
			MemoryTotal int64  `json:"memoryTotal"`
			MemoryUsed  int64  `json:"memoryUsed"`
			PCIBusID    string `json:"pci_bus_id"`
		} `json:"gpus"`
		DetectionMethod string `json:"detection_method"`
		Status          string `json:"status"`
	} `json:"gpu_report"`
}

func (s *Server) handleReportIn(w http.ResponseWriter, r *http.Request) {
	var req reportInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ctx := r.Context()
	if s.tracer != nil {
		var span oteltrace.Span
		ctx, span = s.tracer.Ingest(ctx, req.AgentInfo.Hostname)
		defer span.End()
	}

	report := ingest.Report{
		Agent: ingest.AgentInfo{
			Hostname:  req.AgentInfo.Hostname,
			IPAddress: req.AgentInfo.IPAddress,
			OS:        req.AgentInfo.OS,
		},
		DetectionMethod: req.GPUReport.DetectionMethod,
		ReportStatus:    req.GPUReport.Status,
	}
	for _, g := range req.GPUReport.GPUs {
		report.GPUs = append(report.GPUs, ingest.GPUReportEntry{
			ID:          g.ID,
			Model:       g.Model,
			Status:      g.Status,
			Temperature: g.Temperature,
			Utilization: g.Utilization,
			MemoryTotal: g.MemoryTotal,
			MemoryUsed:  g.MemoryUsed,
			PCIBusID:    g.PCIBusID,
		})
	}

	result, err := s.ingest.Accept(report, nowFunc())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "success",
		"gpus_added":   result.GPUsAdded,
		"gpus_removed": result.GPUsRemoved,
	})
}

type submitRequest struct {
	WorkloadType  string `json:"workload_type"`
	Command       string `json:"command"`
	PreferredGPU  string `json:"preferred_gpu"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Command == "" {
		status, msg := translateError(fmt.Errorf("%w: command is required", ErrValidation))
		writeError(w, status, msg)
		return
	}

	out, err := s.dispatcher.Submit(r.Context(), dispatch.Submission{
		WorkloadType:   req.WorkloadType,
		Command:        req.Command,
		PreferredGPUID: req.PreferredGPU,
	})
	if err != nil {
		status, msg := translateError(err)
		writeError(w, status, msg)
		return
	}

	resp := map[string]interface{}{"status": out.Status, "job_id": out.JobID}
	if out.GPUID != "" {
		resp["gpu"] = out.GPUID
	}
	if out.PID != 0 {
		resp["pid"] = out.PID
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseJobID(r *http.Request) (int64, error) {
	idStr := mux.Vars(r)["id"]
	return strconv.ParseInt(idStr, 10, 64)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := s.store.GetJob(id)
	if err != nil {
		status, msg := translateError(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	workloadType := r.URL.Query().Get("workload_type")

	jobs, err := s.store.ListJobs(limit, workloadType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleCancel implements spec ยง4.6 cancel semantics: running+local sends
// an OS termination signal and is marked cancelled; running+remote is
// marked cancelled without contacting the agent; anything else returns
// current status untouched.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := s.store.GetJob(id)
	if err != nil {
		status, msg := translateError(err)
		writeError(w, status, msg)
		return
	}

	if job.Status.IsTerminal() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_finished"})
		return
	}
	if job.Status != store.JobRunning {
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_running"})
		return
	}

	var agent *store.Agent
	if job.AgentID != nil {
		agent, _ = s.store.GetAgent(*job.AgentID)
	}

	if agent != nil && agent.IsLocal && job.PID != nil {
		syscall.Kill(*job.PID, syscall.SIGTERM)
	}

	cancelled := store.JobCancelled
	now := nowFunc()
	if err := s.store.UpdateJob(id, store.JobUpdate{Status: &cancelled, FinishedAt: &now}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.AppendHistory(id, "cancelled", "cancelled by operator", now); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if _, err := s.store.GetJob(id); err != nil {
		status, msg := translateError(err)
		writeError(w, status, msg)
		return
	}

	events, err := s.store.GetHistory(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleMonitorNow(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.TickNow(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
