// Package protocol defines the shared vocabulary of the foreman
// orchestrator: event and snapshot records, the task state machine
// states, file registry rows, write-protocol intents, and the typed
// errors exchanged between components.
package protocol

import "time"

// EventType classifies an event log entry.
type EventType string

// Known event types.
const (
	EventTaskCreated       EventType = "TASK_CREATED"
	EventAgentStarted      EventType = "AGENT_STARTED"
	EventAgentCompleted    EventType = "AGENT_COMPLETED"
	EventAgentFailed       EventType = "AGENT_FAILED"
	EventFileCreated       EventType = "FILE_CREATED"
	EventFileUpdated       EventType = "FILE_UPDATED"
	EventFileDeleted       EventType = "FILE_DELETED"
	EventLockAcquired      EventType = "LOCK_ACQUIRED"
	EventLockReleased      EventType = "LOCK_RELEASED"
	EventWriteCommitted    EventType = "WRITE_COMMITTED"
	EventWriteRolledBack   EventType = "WRITE_ROLLED_BACK"
	EventSecurityViolation EventType = "SECURITY_VIOLATION"
	EventTaskCompleted     EventType = "TASK_COMPLETED"
	EventTaskFailed        EventType = "TASK_FAILED"
	EventLogRotated        EventType = "LOG_ROTATED"
)

// Event is one immutable entry in the append-only log. Once written it
// is never mutated or deleted except by whole-log rotation.
type Event struct {
	EventID        string         `json:"event_id"`
	TicketID       string         `json:"ticket_id"`
	ParentEventID  string         `json:"parent_event_id,omitempty"`
	Timestamp      int64          `json:"timestamp"` // ms since epoch
	Type           EventType      `json:"type"`
	Agent          string         `json:"agent,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Checksum       string         `json:"checksum"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// TaskStatus is a task state machine state.
type TaskStatus string

// Task states. The core pipeline advances left to right; FAILED is
// reachable from any non-terminal state once the retry ceiling is hit.
const (
	StatusCreated      TaskStatus = "CREATED"
	StatusPlanning     TaskStatus = "PLANNING"
	StatusDesigning    TaskStatus = "DESIGNING"
	StatusImplementing TaskStatus = "IMPLEMENTING"
	StatusReviewing    TaskStatus = "REVIEWING"
	StatusTesting      TaskStatus = "TESTING"
	StatusIntegrating  TaskStatus = "INTEGRATING"
	StatusCompleted    TaskStatus = "COMPLETED"
	StatusFailed       TaskStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// pipelineOrder is the core stage progression.
var pipelineOrder = []TaskStatus{ //nolint:gochecknoglobals // fixed pipeline shape
	StatusCreated,
	StatusPlanning,
	StatusDesigning,
	StatusImplementing,
	StatusReviewing,
	StatusTesting,
	StatusIntegrating,
	StatusCompleted,
}

// NextStatus returns the stage after s on the core path. ok is false
// for terminal or unknown states.
func NextStatus(s TaskStatus) (TaskStatus, bool) {
	for i, st := range pipelineOrder {
		if st == s && i+1 < len(pipelineOrder) {
			return pipelineOrder[i+1], true
		}
	}
	return s, false
}

// PipelineStages returns the non-terminal working stages in order
// (CREATED through INTEGRATING).
func PipelineStages() []TaskStatus {
	out := make([]TaskStatus, len(pipelineOrder)-1)
	copy(out, pipelineOrder[:len(pipelineOrder)-1])
	return out
}

// MaxRetries is the per-stage retry ceiling before a task moves to FAILED.
const MaxRetries = 3

// TaskSnapshot is the derived, rebuildable view of one ticket. One
// snapshot per ticket; created by TASK_CREATED and mutated only as a
// function of subsequent events for that ticket.
type TaskSnapshot struct {
	TicketID     string     `json:"ticket_id"`
	JobID        string     `json:"job_id"`
	Status       TaskStatus `json:"status"`
	CurrentAgent string     `json:"current_agent,omitempty"`
	LastEventID  string     `json:"last_event_id"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    int64      `json:"created_at"`
	UpdatedAt    int64      `json:"updated_at"`
}

// LockStatus is a registry lock state.
type LockStatus string

// Lock states.
const (
	Locked   LockStatus = "locked"
	Unlocked LockStatus = "unlocked"
)

// FileRecord is the registry's derived view of one tracked file.
type FileRecord struct {
	Path         string     `json:"path"`
	ContentHash  string     `json:"content_hash"`
	Component    string     `json:"component,omitempty"`
	OwnerTicket  string     `json:"owner_ticket"`
	JobID        string     `json:"job_id,omitempty"`
	LockOwner    string     `json:"lock_owner,omitempty"`
	LockStatus   LockStatus `json:"lock_status"`
	LockExpiry   int64      `json:"lock_expiry,omitempty"` // ms epoch, 0 = none
	Dependencies []string   `json:"dependencies,omitempty"`
	RegisteredAt int64      `json:"registered_at"`
	UpdatedAt    int64      `json:"updated_at"`
}

// WriteOp is a file mutation kind inside a write request.
type WriteOp string

// Write operations.
const (
	OpCreate WriteOp = "create"
	OpUpdate WriteOp = "update"
	OpDelete WriteOp = "delete"
)

// WriteIntent is one proposed mutation inside a write request.
type WriteIntent struct {
	Path              string   `json:"path"`
	Operation         WriteOp  `json:"operation"`
	Content           []byte   `json:"content,omitempty"`
	ContentHashBefore string   `json:"content_hash_before,omitempty"`
	Component         string   `json:"component,omitempty"`
	Dependencies      []string `json:"dependencies,omitempty"`
}

// WritePhase numbers the three protocol phases.
type WritePhase int

// Write protocol phases, executed strictly in order.
const (
	PhasePlan WritePhase = iota + 1
	PhaseValidate
	PhaseApply
)

// WriteStatus is the lifecycle state of one write request.
type WriteStatus string

// Write request states.
const (
	WritePending    WriteStatus = "pending"
	WriteValidated  WriteStatus = "validated"
	WriteCommitted  WriteStatus = "committed"
	WriteFailed     WriteStatus = "failed"
	WriteRolledBack WriteStatus = "rolled_back"
)

// ResourceStatus is the queryable admission controller snapshot.
type ResourceStatus struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	Active         int     `json:"active"`
	Queued         int     `json:"queued"`
	MaxConcurrent  int     `json:"max_concurrent"`
	LimitsExceeded bool    `json:"limits_exceeded"`
}

// HealthLevel grades a component or the system overall.
type HealthLevel string

// Health levels.
const (
	Healthy  HealthLevel = "HEALTHY"
	Degraded HealthLevel = "DEGRADED"
	Critical HealthLevel = "CRITICAL"
)

// ComponentHealth is one probe result inside a health report.
type ComponentHealth struct {
	Name    string      `json:"name"`
	Level   HealthLevel `json:"level"`
	Detail  string      `json:"detail,omitempty"`
	Checked time.Time   `json:"checked"`
}

// HealthReport aggregates component probes into an overall grade.
type HealthReport struct {
	Overall    HealthLevel       `json:"overall"`
	Components []ComponentHealth `json:"components"`
	Generated  time.Time         `json:"generated"`
}

// WorkPackage is the context bundle handed to an external agent. It is
// written to the job workspace; the agent reads it, performs the stage
// work, and signals completion by appending an event to the log.
type WorkPackage struct {
	TicketID       string     `json:"ticket_id"`
	JobID          string     `json:"job_id"`
	Stage          TaskStatus `json:"stage"`
	Agent          string     `json:"agent"`
	ParentEventID  string     `json:"parent_event_id"`
	Request        string     `json:"request"`
	PriorArtifacts []string   `json:"prior_artifacts,omitempty"`
	Verification   []string   `json:"verification,omitempty"`
	Paths          []string   `json:"paths,omitempty"` // files the stage may touch
}

// Outcome is the terminal signal for one dispatched work package.
type Outcome struct {
	TicketID string
	EventID  string // the AGENT_COMPLETED / AGENT_FAILED event
	Success  bool
	Detail   string
	Intents  []WriteIntent // file mutations to commit on success
}
