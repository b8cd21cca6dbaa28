package store

import "time"

// Agent is a worker node that has reported its GPU inventory at least once.
// IsLocal is never persisted: it is derived at query time from the
// control-plane's own hostname, per spec ยง9's "derived at lookup time" note.
type Agent struct {
	ID        uint   `gorm:"primaryKey"`
	Hostname  string `gorm:"uniqueIndex;not null"`
	IPAddress string `gorm:"not null"`
	OS        string
	LastSeen  time.Time `gorm:"not null"`
	IsLocal   bool      `gorm:"-"`
}

// GPUStatus is the health classification of a reported GPU.
type GPUStatus string

const (
	GPUHealthy     GPUStatus = "healthy"
	GPUOverheating GPUStatus = "overheating"
	GPUUnknown     GPUStatus = "unknown"
	GPUOffline     GPUStatus = "offline"
)

// GPU is a schedulable device owned by exactly one Agent (invariant G1).
type GPU struct {
	ID                string `gorm:"primaryKey"`
	AgentID           uint   `gorm:"index;not null"`
	Model             string
	Status            GPUStatus
	TemperatureC      int
	UtilizationPct    int
	MemoryTotalBytes  int64
	MemoryUsedBytes   int64
	IsAvailable       bool
	PCIBusID          string
}

// JobStatus is one of the lifecycle states a Job moves through.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether s is one of the three terminal states
// (invariant J3: no transition leaves a terminal state).
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is a unit of work bound to at most one GPU on at most one Agent.
type Job struct {
	ID            int64  `gorm:"primaryKey"`
	WorkloadType  string `gorm:"index"`
	Command       string
	Status        JobStatus `gorm:"index;not null"`
	AssignedGPUID *string
	AgentID       *uint
	PID           *int
	CreatedAt     time.Time `gorm:"not null"`
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// HistoryEvent is one append-only entry in a Job's audit trail (invariant H1).
type HistoryEvent struct {
	ID        uint   `gorm:"primaryKey"`
	JobID     int64  `gorm:"index;not null"`
	Action    string `gorm:"not null"`
	Details   string
	Timestamp time.Time `gorm:"not null"`
}
