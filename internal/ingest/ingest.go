// Package ingest implements the agent reporting protocol (spec ยง4.2):
// admitting heterogeneous agents and atomically refreshing their GPU
// inventory. Grounded on the teacher's pkg/gpu.Scheduler.RegisterGPU
// validate-then-store shape, generalized from a single in-memory map
// mutation into a durable upsert-then-replace transaction pair.
package ingest

import (
	"fmt"
	"time"

	"github.com/agentaflow/gpuhub/internal/logging"
	"github.com/agentaflow/gpuhub/internal/store"
)

// AgentInfo is the agent_info object of the wire report (spec ยง6).
type AgentInfo struct {
	Hostname  string
	IPAddress string
	OS        string
}

// GPUReportEntry is one element of gpu_report.gpus on the wire. Detection
// fields beyond what the core persists (DetectionMethod, Status on the
// envelope) are accepted but not stored, per SPEC_FULL ยง9.
type GPUReportEntry struct {
	ID             string
	Model          string
	Status         string
	Temperature    int
	Utilization    int
	MemoryTotal    int64
	MemoryUsed     int64
	PCIBusID       string
}

// Report is the full incoming payload.
type Report struct {
	Agent           AgentInfo
	GPUs            []GPUReportEntry
	DetectionMethod string
	ReportStatus    string
}

// Result is returned to the caller on success.
type Result struct {
	AgentID     uint
	GPUsAdded   int
	GPUsRemoved int
	GPUsSkipped int
}

// Service performs Ingest.
type Service struct {
	store *store.Store
	log   *logging.Logger
}

// New creates an Ingest Service.
func New(s *store.Store, log *logging.Logger) *Service {
	return &Service{store: s, log: log}
}

var validGPUStatuses = map[string]store.GPUStatus{
	"healthy":     store.GPUHealthy,
	"overheating": store.GPUOverheating,
	"unknown":     store.GPUUnknown,
	"offline":     store.GPUOffline,
}

// Accept admits one agent report. Hostname and IPAddress must be
// non-empty (input error); individual malformed GPU records are skipped
// and counted rather than failing the whole report (spec ยง4.2).
func (s *Service) Accept(report Report, now time.Time) (*Result, error) {
	if report.Agent.Hostname == "" {
		return nil, fmt.Errorf("ingest: hostname is required")
	}
	if report.Agent.IPAddress == "" {
		return nil, fmt.Errorf("ingest: ip_address is required")
	}

	agentID, err := s.store.UpsertAgent(report.Agent.Hostname, report.Agent.IPAddress, report.Agent.OS, now)
	if err != nil {
		return nil, fmt.Errorf("ingest: upsert agent: %w", err)
	}

	var accepted []store.IngestGPU
	skipped := 0
	for _, g := range report.GPUs {
		if g.ID == "" {
			skipped++
			continue
		}

		status, ok := validGPUStatuses[g.Status]
		if !ok {
			status = store.GPUUnknown
		}

		accepted = append(accepted, store.IngestGPU{
			ID:               g.ID,
			Model:            g.Model,
			Status:           status,
			TemperatureC:     g.Temperature,
			UtilizationPct:   g.Utilization,
			MemoryTotalBytes: g.MemoryTotal,
			MemoryUsedBytes:  g.MemoryUsed,
			PCIBusID:         g.PCIBusID,
		})
	}

	removed, err := s.store.ReplaceAgentGPUs(agentID, accepted)
	if err != nil {
		return nil, fmt.Errorf("ingest: replace gpus: %w", err)
	}

	if s.log != nil {
		s.log.Info("ingest", "accepted agent report", map[string]interface{}{
			"hostname":         report.Agent.Hostname,
			"gpus_added":       len(accepted),
			"gpus_removed":     removed,
			"gpus_skipped":     skipped,
			"detection_method": report.DetectionMethod,
			"report_status":    report.ReportStatus,
		})
	}

	return &Result{AgentID: agentID, GPUsAdded: len(accepted), GPUsRemoved: removed, GPUsSkipped: skipped}, nil
}
