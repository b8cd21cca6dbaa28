// Package store is the State Store (spec ยง4.1): the single owner of
// Agents, GPUs, Jobs and History, behind a small set of transactional
// operations. Grounded on the teacher's use of a single struct holding a
// mutex-guarded map (pkg/gpu.Scheduler) generalized here to a single
// struct holding a *gorm.DB, since our state must survive a restart.
package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the State Store. All mutation goes through its methods; callers
// never see a *gorm.DB.
type Store struct {
	db           *gorm.DB
	hubHostname  string
}

// Open creates (or reuses) the sqlite database at dsn and migrates the
// schema. hubHostname is the control plane's own hostname, used to derive
// Agent.IsLocal at query time (spec ยง9, open question on is_local).
func Open(dsn, hubHostname string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&Agent{}, &GPU{}, &Job{}, &HistoryEvent{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db, hubHostname: hubHostname}, nil
}

func (s *Store) deriveLocal(a *Agent) {
	a.IsLocal = a.Hostname != "" && s.hubHostname != "" &&
		strings.Contains(a.Hostname, s.hubHostname)
}

// UpsertAgent creates or refreshes the Agent identified by hostname
// (invariant A1: hostname is unique). last_seen is always bumped to now;
// callers must ensure now is not earlier than any previously recorded
// last_seen for this Agent (invariant A2).
func (s *Store) UpsertAgent(hostname, ip, os string, now time.Time) (uint, error) {
	if hostname == "" {
		return 0, fmt.Errorf("upsert agent: hostname is required")
	}

	var id uint
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing Agent
		err := tx.Where("hostname = ?", hostname).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			agent := Agent{Hostname: hostname, IPAddress: ip, OS: os, LastSeen: now}
			if err := tx.Create(&agent).Error; err != nil {
				return err
			}
			id = agent.ID
			return nil
		case err != nil:
			return err
		default:
			existing.IPAddress = ip
			existing.OS = os
			existing.LastSeen = now
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			id = existing.ID
			return nil
		}
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetAgent fetches an Agent by id, with IsLocal derived against the hub's
// own hostname.
func (s *Store) GetAgent(id uint) (*Agent, error) {
	var agent Agent
	if err := s.db.First(&agent, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.deriveLocal(&agent)
	return &agent, nil
}

// IngestGPU is the caller-facing shape of one reported GPU row; fields
// missing from the wire payload default per spec ยง4.2.
type IngestGPU struct {
	ID                string
	Model             string
	Status            GPUStatus
	TemperatureC      int
	UtilizationPct    int
	MemoryTotalBytes  int64
	MemoryUsedBytes   int64
	PCIBusID          string
}

// ReplaceAgentGPUs atomically deletes every GPU currently owned by agentID
// and inserts the given set (invariant G2: no window where Placement can
// observe a partial set). memory_used > memory_total pairs are treated as
// unknown per invariant G3 and cleared to zero so the scorer assumes 50%.
// It returns the number of GPU rows removed, so callers can report
// gpus_removed alongside gpus_added (spec ยง4.2, ยง6).
func (s *Store) ReplaceAgentGPUs(agentID uint, gpus []IngestGPU) (int, error) {
	var removed int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("agent_id = ?", agentID).Delete(&GPU{})
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected

		for _, g := range gpus {
			if g.Status == "" {
				g.Status = GPUUnknown
			}
			memTotal, memUsed := g.MemoryTotalBytes, g.MemoryUsedBytes
			if memTotal > 0 && memUsed > memTotal {
				memTotal, memUsed = 0, 0
			}

			row := GPU{
				ID:               g.ID,
				AgentID:          agentID,
				Model:            g.Model,
				Status:           g.Status,
				TemperatureC:     g.TemperatureC,
				UtilizationPct:   g.UtilizationPct,
				MemoryTotalBytes: memTotal,
				MemoryUsedBytes:  memUsed,
				IsAvailable:      g.Status == GPUHealthy,
				PCIBusID:         g.PCIBusID,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

// GetGPU fetches one GPU by id.
func (s *Store) GetGPU(id string) (*GPU, error) {
	var gpu GPU
	if err := s.db.First(&gpu, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &gpu, nil
}

// ListAvailableGPUs returns every healthy, available GPU, ordered by id so
// Placement's tie-break (earliest gpu_id lexicographically) is deterministic
// even before Placement's own sort.
func (s *Store) ListAvailableGPUs() ([]GPU, error) {
	var gpus []GPU
	err := s.db.Where("status = ? AND is_available = ?", GPUHealthy, true).
		Order("id").Find(&gpus).Error
	return gpus, err
}

// CountActiveJobsPerGPU counts jobs with status in {running, pending} per
// assigned GPU, for the jobs_score term of Placement.
func (s *Store) CountActiveJobsPerGPU() (map[string]int, error) {
	type row struct {
		AssignedGPUID string
		Count         int
	}
	var rows []row
	err := s.db.Model(&Job{}).
		Select("assigned_gpu_id, count(*) as count").
		Where("status IN ? AND assigned_gpu_id IS NOT NULL", []JobStatus{JobRunning, JobPending}).
		Group("assigned_gpu_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.AssignedGPUID] = r.Count
	}
	return counts, nil
}

// NewJob is the caller-facing shape for Dispatcher's CreateJob call.
type NewJob struct {
	WorkloadType  string
	Command       string
	Status        JobStatus
	AssignedGPUID *string
	AgentID       *uint
	CreatedAt     time.Time
}

// CreateJob inserts a new Job row. Job ids are never reused (invariant J4):
// sqlite's autoincrement primary key guarantees this across the process's
// lifetime of the file.
func (s *Store) CreateJob(j NewJob) (int64, error) {
	row := Job{
		WorkloadType:  j.WorkloadType,
		Command:       j.Command,
		Status:        j.Status,
		AssignedGPUID: j.AssignedGPUID,
		AgentID:       j.AgentID,
		CreatedAt:     j.CreatedAt,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

// JobUpdate carries only the fields a caller wants to change; nil fields
// are left untouched. This replaces the ad-hoc dict-of-fields pattern from
// the original implementation with an explicit, typed record (spec ยง9).
type JobUpdate struct {
	Status        *JobStatus
	AssignedGPUID *string
	AgentID       *uint
	PID           *int
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// UpdateJob applies a partial update to Job id. Terminal-state monotonicity
// (invariant J3) is enforced here: once a Job is terminal, further updates
// are rejected rather than silently applied.
func (s *Store) UpdateJob(id int64, u JobUpdate) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var job Job
		if err := tx.First(&job, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if job.Status.IsTerminal() {
			return fmt.Errorf("update job %d: already in terminal state %s", id, job.Status)
		}

		updates := map[string]interface{}{}
		if u.Status != nil {
			updates["status"] = *u.Status
		}
		if u.AssignedGPUID != nil {
			updates["assigned_gpu_id"] = *u.AssignedGPUID
		}
		if u.AgentID != nil {
			updates["agent_id"] = *u.AgentID
		}
		if u.PID != nil {
			updates["pid"] = *u.PID
		}
		if u.StartedAt != nil {
			updates["started_at"] = *u.StartedAt
		}
		if u.FinishedAt != nil {
			updates["finished_at"] = *u.FinishedAt
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&Job{}).Where("id = ?", id).Updates(updates).Error
	})
}

// GetJob fetches a Job snapshot by id.
func (s *Store) GetJob(id int64) (*Job, error) {
	var job Job
	if err := s.db.First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ListJobs returns up to limit Jobs, newest first. workloadType, if
// non-empty, filters the list (spec ยง9 supplemented feature).
func (s *Store) ListJobs(limit int, workloadType string) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.Order("id DESC").Limit(limit)
	if workloadType != "" {
		q = q.Where("workload_type = ?", workloadType)
	}
	var jobs []Job
	err := q.Find(&jobs).Error
	return jobs, err
}

// ListRunningJobs returns every Job currently in the running state, for
// the Supervisor's per-tick scan.
func (s *Store) ListRunningJobs() ([]Job, error) {
	var jobs []Job
	err := s.db.Where("status = ?", JobRunning).Find(&jobs).Error
	return jobs, err
}

// ListQueuedJobs returns queued Jobs oldest-first, for the Supervisor's
// optional queue-drain pass.
func (s *Store) ListQueuedJobs() ([]Job, error) {
	var jobs []Job
	err := s.db.Where("status = ?", JobQueued).Order("id ASC").Find(&jobs).Error
	return jobs, err
}

// AppendHistory writes one immutable history entry (invariant H1).
func (s *Store) AppendHistory(jobID int64, action, details string, now time.Time) error {
	event := HistoryEvent{JobID: jobID, Action: action, Details: details, Timestamp: now}
	return s.db.Create(&event).Error
}

// GetHistory returns a Job's history, newest first.
func (s *Store) GetHistory(jobID int64) ([]HistoryEvent, error) {
	var events []HistoryEvent
	err := s.db.Where("job_id = ?", jobID).Order("id DESC").Find(&events).Error
	return events, err
}

// ListStaleAgents returns Agents whose last_seen is older than cutoff, for
// topology-style offline reporting (spec ยง4.5 step 4). This never
// terminates jobs by itself.
func (s *Store) ListStaleAgents(cutoff time.Time) ([]Agent, error) {
	var agents []Agent
	err := s.db.Where("last_seen < ?", cutoff).Find(&agents).Error
	if err != nil {
		return nil, err
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Hostname < agents[j].Hostname })
	return agents, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
