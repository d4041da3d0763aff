// Package models defines the core domain types for Lockwarden.
package models

import "time"

// AgentStatus is derived from an agent's tasks and lock requests, except for
// AgentStatusError which is reported explicitly.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusWorking AgentStatus = "working"
	AgentStatusWaiting AgentStatus = "waiting"
	AgentStatusError   AgentStatus = "error"
)

// LockType classifies the kind of code region a lock covers.
type LockType string

const (
	LockTypeFile      LockType = "file"
	LockTypeRegion    LockType = "region"
	LockTypeLineRange LockType = "line-range"
	LockTypeSemantic  LockType = "semantic"
)

// Valid reports whether t is a known lock type.
func (t LockType) Valid() bool {
	switch t {
	case LockTypeFile, LockTypeRegion, LockTypeLineRange, LockTypeSemantic:
		return true
	}
	return false
}

// LockLevel is the access mode requested on a resource.
type LockLevel string

const (
	LockLevelRead      LockLevel = "read"
	LockLevelWrite     LockLevel = "write"
	LockLevelExclusive LockLevel = "exclusive"
)

// Valid reports whether l is a known lock level.
func (l LockLevel) Valid() bool {
	switch l {
	case LockLevelRead, LockLevelWrite, LockLevelExclusive:
		return true
	}
	return false
}

// Mutating reports whether the level excludes every other holder.
func (l LockLevel) Mutating() bool {
	return l == LockLevelWrite || l == LockLevelExclusive
}

// Rank orders levels by strength: read < write < exclusive.
func (l LockLevel) Rank() int {
	switch l {
	case LockLevelRead:
		return 1
	case LockLevelWrite:
		return 2
	case LockLevelExclusive:
		return 3
	}
	return 0
}

// Compatible reports whether two levels may be active on the same region at once.
func Compatible(a, b LockLevel) bool {
	return !a.Mutating() && !b.Mutating()
}

// LockStatus represents the lifecycle state of a lock.
type LockStatus string

const (
	LockStatusWaiting  LockStatus = "waiting"
	LockStatusActive   LockStatus = "active"
	LockStatusExpired  LockStatus = "expired"
	LockStatusReleased LockStatus = "released"
)

// Terminal reports whether the status is final.
func (s LockStatus) Terminal() bool {
	return s == LockStatusExpired || s == LockStatusReleased
}

// Strategy names a conflict resolution strategy.
type Strategy string

const (
	StrategyWait      Strategy = "wait"
	StrategyMerge     Strategy = "merge"
	StrategyAbort     Strategy = "abort"
	StrategyNegotiate Strategy = "negotiate"
)

// Lock is a claim, granted or pending, on a code resource.
type Lock struct {
	ID           string            `json:"id"`
	AgentID      string            `json:"agent_id"`
	ResourceID   string            `json:"resource_id"`
	ResourcePath string            `json:"resource_path"`
	LockType     LockType          `json:"lock_type"`
	LockLevel    LockLevel         `json:"lock_level"`
	Status       LockStatus        `json:"status"`
	Priority     int               `json:"priority"`
	Intent       string            `json:"intent,omitempty"`
	Strategy     Strategy          `json:"conflict_strategy,omitempty"`
	TaskID       string            `json:"task_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Preempt      bool              `json:"preempt,omitempty"`
	Held         bool              `json:"held,omitempty"` // waiting on an external negotiate decision
	TTL          time.Duration     `json:"ttl"`
	RequestedAt  time.Time         `json:"requested_at"`
	AcquiredAt   *time.Time        `json:"acquired_at,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	WaitDeadline *time.Time        `json:"wait_deadline,omitempty"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	EndReason    string            `json:"end_reason,omitempty"`
}

// LockIndicator is the presentation view of a lock's status.
type LockIndicator struct {
	Dot   string `json:"dot"`
	Tag   string `json:"tag"`
	Color string `json:"color"`
}

// Indicator projects the lock status into a dot and tag for dashboards.
// It is computed on every call and never stored.
func (l Lock) Indicator() LockIndicator {
	switch l.Status {
	case LockStatusActive:
		if l.LockLevel == LockLevelRead {
			return LockIndicator{Dot: "●", Tag: "READ", Color: "green"}
		}
		return LockIndicator{Dot: "●", Tag: "LOCKED", Color: "red"}
	case LockStatusWaiting:
		if l.Held {
			return LockIndicator{Dot: "◐", Tag: "NEGOTIATING", Color: "magenta"}
		}
		return LockIndicator{Dot: "◌", Tag: "QUEUED", Color: "yellow"}
	case LockStatusExpired:
		return LockIndicator{Dot: "○", Tag: "EXPIRED", Color: "gray"}
	default:
		return LockIndicator{Dot: "○", Tag: "RELEASED", Color: "gray"}
	}
}

// Agent is a coding agent known to the coordinator.
type Agent struct {
	ID           string      `json:"agent_id"`
	Status       AgentStatus `json:"status"`
	Capabilities []string    `json:"capabilities"`
	CurrentTask  string      `json:"current_task,omitempty"`
	Tasks        []string    `json:"tasks,omitempty"`
	HeldLocks    []string    `json:"held_locks"`
	Waiting      []string    `json:"waiting_locks,omitempty"`
	Inactive     bool        `json:"inactive"`
	ErrorReason  string      `json:"error_reason,omitempty"`
	RegisteredAt time.Time   `json:"registered_at"`
	LastActivity time.Time   `json:"last_activity"`
}

// HasCapability reports whether the agent advertises the given tag.
func (a Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Active reports whether the task still holds or may acquire locks.
func (s TaskStatus) Active() bool {
	return s == TaskStatusAssigned || s == TaskStatusInProgress
}

// Terminal reports whether the task has finished.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task represents a unit of work touching a set of resources.
type Task struct {
	ID                   string        `json:"task_id"`
	TaskType             string        `json:"task_type"`
	Description          string        `json:"description"`
	Status               TaskStatus    `json:"status"`
	AssignedTo           []string      `json:"assigned_to"`
	Resources            []string      `json:"resources"`
	Dependencies         []string      `json:"dependencies"`
	RequiredCapabilities []string      `json:"required_capabilities,omitempty"`
	LockLevel            LockLevel     `json:"lock_level"`
	Priority             int           `json:"priority"`
	Strategy             Strategy      `json:"conflict_strategy,omitempty"`
	Progress             int           `json:"progress"`
	EstimatedDuration    time.Duration `json:"estimated_duration"`
	ActualDuration       time.Duration `json:"actual_duration"`
	Outcome              string        `json:"outcome,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
	StartedAt            *time.Time    `json:"started_at,omitempty"`
	CompletedAt          *time.Time    `json:"completed_at,omitempty"`
}

// ConflictType classifies a detected conflict.
type ConflictType string

const (
	ConflictResourceOverlap ConflictType = "resource-overlap"
	ConflictDependencyCycle ConflictType = "dependency-cycle"
	ConflictStaleLock       ConflictType = "stale-lock"
)

// Severity ranks a conflict.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Conflict records overlapping or otherwise incompatible work.
type Conflict struct {
	ID                  string       `json:"conflict_id"`
	Type                ConflictType `json:"conflict_type"`
	AgentsInvolved      []string     `json:"agents_involved"`
	Resources           []string     `json:"resources"`
	LockIDs             []string     `json:"lock_ids,omitempty"`
	Severity            Severity     `json:"severity"`
	Strategy            Strategy     `json:"strategy,omitempty"`
	SuggestedResolution string       `json:"suggested_resolution"`
	Resolved            bool         `json:"resolved"`
	Resolution          string       `json:"resolution,omitempty"`
	Escalated           bool         `json:"escalated,omitempty"`
	DetectedAt          time.Time    `json:"detected_at"`
	ResolvedAt          *time.Time   `json:"resolved_at,omitempty"`
}

// LogStatus is the outcome recorded on an activity entry.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogFailure LogStatus = "failure"
	LogWarning LogStatus = "warning"
)

// ActivityEntry is one append-only record of a coordinator transition.
type ActivityEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id,omitempty"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource,omitempty"`
	Status    LogStatus `json:"status"`
	Message   string    `json:"message"`
}

// Snapshot is a point-in-time copy of all coordinator state.
type Snapshot struct {
	TakenAt   time.Time       `json:"taken_at"`
	Agents    []Agent         `json:"agents"`
	Locks     []Lock          `json:"locks"`
	Tasks     []Task          `json:"tasks"`
	Conflicts []Conflict      `json:"conflicts"`
	Activity  []ActivityEntry `json:"activity"`
}
