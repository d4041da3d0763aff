package locks

import (
	"time"

	"github.com/fentz26/lockwarden/internal/models"
	"github.com/fentz26/lockwarden/internal/resource"
)

// Outcome is the result class of a lock request. Contention is an outcome,
// not an error.
type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeQueued  Outcome = "queued"
	OutcomeDenied  Outcome = "denied"
)

// Request describes a lock request.
type Request struct {
	AgentID     string            `json:"agent_id"`
	ResourceID  string            `json:"resource_id"`
	LockType    models.LockType   `json:"lock_type,omitempty"`
	Level       models.LockLevel  `json:"lock_level"`
	Priority    int               `json:"priority"`
	Intent      string            `json:"intent,omitempty"`
	TTL         time.Duration     `json:"ttl"`
	Strategy    models.Strategy   `json:"conflict_strategy,omitempty"`
	TaskID      string            `json:"task_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	WaitTimeout time.Duration     `json:"wait_timeout,omitempty"`
	Preempt     bool              `json:"preempt,omitempty"`
}

// Result is returned by Request.
type Result struct {
	Outcome    Outcome       `json:"outcome"`
	Lock       models.Lock   `json:"lock"`
	Blockers   []models.Lock `json:"blockers,omitempty"`
	ConflictID string        `json:"conflict_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// ReleaseResult is returned by Release.
type ReleaseResult struct {
	Lock     models.Lock   `json:"lock"`
	Promoted []models.Lock `json:"promoted,omitempty"`
}

// Blocker is an active lock standing in the way of a request.
type Blocker struct {
	Lock   models.Lock     `json:"lock"`
	Extent resource.Extent `json:"extent"`
}

// Contention is handed to the Arbiter when a request is blocked by locks
// held by other agents.
type Contention struct {
	Request  models.Lock
	Blockers []Blocker
}

// Action is the Arbiter's verdict on a contended request.
type Action int

const (
	// ActionQueue leaves the request in the wait queue.
	ActionQueue Action = iota
	// ActionDeny rejects the request outright.
	ActionDeny
	// ActionHold queues the request but keeps it out of promotion until
	// Unhold or Withdraw is called.
	ActionHold
	// ActionSplit replaces blocking locks with finer-grained ones and
	// grants the request.
	ActionSplit
)

func (a Action) String() string {
	switch a {
	case ActionDeny:
		return "deny"
	case ActionHold:
		return "hold"
	case ActionSplit:
		return "split"
	}
	return "queue"
}

// Split replaces one active lock with locks on the given keys.
type Split struct {
	LockID string
	Keys   []string
}

// Decision is returned by an Arbiter.
type Decision struct {
	Action     Action
	Splits     []Split
	ConflictID string
	Note       string
}

// Arbiter decides what happens to a contended request. It is called while
// the resource family is locked and must not call back into the Manager.
type Arbiter interface {
	Arbitrate(c Contention) Decision
}

// EventKind identifies a lock transition.
type EventKind string

const (
	EventGranted   EventKind = "granted"
	EventQueued    EventKind = "queued"
	EventDenied    EventKind = "denied"
	EventReleased  EventKind = "released"
	EventExpired   EventKind = "expired"
	EventCancelled EventKind = "cancelled"
	EventReclaimed EventKind = "reclaimed"
	EventSplit     EventKind = "split"
	EventRenewed   EventKind = "renewed"
	EventUnheld    EventKind = "unheld"
)

// Event is delivered to listeners after each transition, outside the
// family critical section. Events of one operation arrive in order, but two
// operations on the same family may deliver concurrently. Seq increases with
// the order transitions happened, so a listener that keeps per-lock state
// discards an event whose Seq is below the last one it applied for that lock.
type Event struct {
	Kind     EventKind     `json:"kind"`
	Lock     models.Lock   `json:"lock"`
	Replaced []models.Lock `json:"replaced,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Seq      uint64        `json:"seq,omitempty"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	AgentID  string
	Resource string
	TaskID   string
	Status   models.LockStatus
}

func (f Filter) match(l models.Lock) bool {
	if f.AgentID != "" && l.AgentID != f.AgentID {
		return false
	}
	if f.Resource != "" && l.ResourceID != f.Resource {
		return false
	}
	if f.TaskID != "" && l.TaskID != f.TaskID {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	return true
}

// Stats summarises the lock table.
type Stats struct {
	Active   int `json:"active"`
	Waiting  int `json:"waiting"`
	Archived int `json:"archived"`
	Families int `json:"families"`
}
