// Package agents tracks the coding agents known to the coordinator.
package agents

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/lockwarden/internal/audit"
	"github.com/fentz26/lockwarden/internal/clock"
	"github.com/fentz26/lockwarden/internal/errors"
	"github.com/fentz26/lockwarden/internal/locks"
	"github.com/fentz26/lockwarden/internal/models"
)

// ChangeKind identifies why an agent record changed.
type ChangeKind string

const (
	ChangeRegistered ChangeKind = "registered"
	ChangeStatus     ChangeKind = "status"
	ChangeFault      ChangeKind = "fault"
	ChangeInactive   ChangeKind = "inactive"
	ChangeActive     ChangeKind = "active"
	ChangeRecovered  ChangeKind = "recovered"
)

// Change is delivered to listeners after an agent record changes.
type Change struct {
	Kind     ChangeKind         `json:"kind"`
	Agent    models.Agent       `json:"agent"`
	Previous models.AgentStatus `json:"previous,omitempty"`
	Reason   string             `json:"reason,omitempty"`
}

// Reclaimer force-releases every lock of an agent.
type Reclaimer interface {
	ReclaimAgent(agentID, reason string) []models.Lock
}

const maxEnded = 4096

// Options configures a Registry.
type Options struct {
	HeartbeatTimeout time.Duration
	Logger           *slog.Logger
}

// Registry holds agent records. Status is derived from the agent's tasks and
// lock requests; only the error state is set by callers.
type Registry struct {
	clock     clock.Clock
	log       *audit.Log
	logger    *slog.Logger
	reclaimer Reclaimer

	mu      sync.RWMutex
	timeout time.Duration
	agents  map[string]*record
	seq     uint64

	// lockSeq is the last applied event Seq per lock. Ended locks stay in
	// it, oldest first in ended, until maxEnded newer ones push them out.
	lockSeq map[string]uint64
	ended   []string

	listenersMu sync.RWMutex
	listeners   []func(Change)
}

type record struct {
	agent   models.Agent
	errored bool
	held    map[string]struct{}
	waiting map[string]struct{}
	tasks   map[string]taskRef
}

type taskRef struct {
	status models.TaskStatus
	seq    uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(c clock.Clock, log *audit.Log, opts Options) *Registry {
	if c == nil {
		c = clock.Real{}
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 2 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clock:   c,
		log:     log,
		logger:  logger.With("component", "agents"),
		timeout: opts.HeartbeatTimeout,
		agents:  make(map[string]*record),
		lockSeq: make(map[string]uint64),
	}
}

// SetReclaimer installs the lock reclaimer used when an agent faults.
func (r *Registry) SetReclaimer(rc Reclaimer) {
	r.mu.Lock()
	r.reclaimer = rc
	r.mu.Unlock()
}

// SetHeartbeatTimeout changes the inactivity bound.
func (r *Registry) SetHeartbeatTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// Subscribe registers a listener for agent changes.
func (r *Registry) Subscribe(fn func(Change)) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

func (r *Registry) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	r.listenersMu.RLock()
	listeners := slices.Clone(r.listeners)
	r.listenersMu.RUnlock()
	for _, c := range changes {
		for _, fn := range listeners {
			fn(c)
		}
	}
}

// Register creates an agent or refreshes an existing one's capabilities.
// Registering also counts as a heartbeat.
func (r *Registry) Register(id string, capabilities []string) (models.Agent, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.Agent{}, errors.NewValidationError("agent_id", "", errors.ErrInvalidArgument).WithReason("agent id is required")
	}
	caps := normalizeCaps(capabilities)
	now := r.clock.Now()

	r.mu.Lock()
	rec, ok := r.agents[id]
	kind := ChangeRegistered
	if !ok {
		rec = &record{
			agent: models.Agent{
				ID:           id,
				Capabilities: caps,
				RegisteredAt: now,
				LastActivity: now,
			},
			held:    make(map[string]struct{}),
			waiting: make(map[string]struct{}),
			tasks:   make(map[string]taskRef),
		}
		r.agents[id] = rec
	} else {
		kind = ChangeActive
		if capabilities != nil {
			rec.agent.Capabilities = caps
		}
		rec.agent.LastActivity = now
		rec.agent.Inactive = false
	}
	agent := r.view(rec)
	r.mu.Unlock()

	if kind == ChangeRegistered {
		r.append(id, "agent.registered", models.LogSuccess,
			fmt.Sprintf("registered with capabilities [%s]", strings.Join(caps, ", ")))
	} else {
		r.append(id, "agent.updated", models.LogSuccess,
			fmt.Sprintf("capabilities [%s]", strings.Join(agent.Capabilities, ", ")))
	}
	r.notify([]Change{{Kind: kind, Agent: agent}})
	return agent, nil
}

// Ensure registers id with no capabilities if it is unknown.
func (r *Registry) Ensure(id string) (models.Agent, error) {
	if a, ok := r.Get(id); ok {
		return a, nil
	}
	return r.Register(id, nil)
}

// Heartbeat records liveness. Heartbeats are not logged unless they bring an
// inactive agent back.
func (r *Registry) Heartbeat(id string) (models.Agent, error) {
	r.mu.Lock()
	rec, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return models.Agent{}, fmt.Errorf("heartbeat %s: %w", id, errors.ErrAgentNotFound)
	}
	rec.agent.LastActivity = r.clock.Now()
	revived := rec.agent.Inactive
	rec.agent.Inactive = false
	agent := r.view(rec)
	r.mu.Unlock()

	if revived {
		r.append(id, "agent.active", models.LogSuccess, "heartbeat resumed")
		r.notify([]Change{{Kind: ChangeActive, Agent: agent}})
	}
	return agent, nil
}

// ReportError marks the agent faulted and reclaims all its locks, exactly
// as if their leases had expired.
func (r *Registry) ReportError(id, reason string) (models.Agent, error) {
	if reason == "" {
		reason = "agent error"
	}
	r.mu.Lock()
	rec, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return models.Agent{}, fmt.Errorf("report error %s: %w", id, errors.ErrAgentNotFound)
	}
	prev := status(rec)
	rec.errored = true
	rec.agent.ErrorReason = reason
	rec.agent.LastActivity = r.clock.Now()
	rc := r.reclaimer
	r.mu.Unlock()

	var lockIDs []string
	if rc != nil {
		for _, l := range rc.ReclaimAgent(id, reason) {
			lockIDs = append(lockIDs, l.ID)
		}
	}
	stale := &errors.StaleStateError{AgentID: id, LockIDs: lockIDs, Reason: reason}
	r.append(id, "agent.error", models.LogWarning, stale.Error())
	r.logger.Warn("agent faulted", "agent", id, "reason", reason, "reclaimed", len(lockIDs))

	agent, _ := r.Get(id)
	r.notify([]Change{{Kind: ChangeFault, Agent: agent, Previous: prev, Reason: reason}})
	return agent, nil
}

// Fault is ReportError without the record.
func (r *Registry) Fault(id, reason string) error {
	_, err := r.ReportError(id, reason)
	return err
}

// Recover clears an agent's error state.
func (r *Registry) Recover(id string) (models.Agent, error) {
	r.mu.Lock()
	rec, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return models.Agent{}, fmt.Errorf("recover %s: %w", id, errors.ErrAgentNotFound)
	}
	if !rec.errored {
		agent := r.view(rec)
		r.mu.Unlock()
		return agent, errors.NewValidationError("agent_id", id, errors.ErrInvalidArgument).WithReason("agent is not in error state")
	}
	rec.errored = false
	rec.agent.ErrorReason = ""
	rec.agent.Inactive = false
	rec.agent.LastActivity = r.clock.Now()
	agent := r.view(rec)
	r.mu.Unlock()

	r.append(id, "agent.recovered", models.LogSuccess, "error cleared")
	r.notify([]Change{{Kind: ChangeRecovered, Agent: agent, Previous: models.AgentStatusError}})
	return agent, nil
}

// SweepHeartbeats marks agents whose last activity is older than the
// heartbeat timeout as inactive and returns their ids.
func (r *Registry) SweepHeartbeats(now time.Time) []string {
	r.mu.Lock()
	var changes []Change
	var ids []string
	for id, rec := range r.agents {
		if rec.agent.Inactive || now.Sub(rec.agent.LastActivity) < r.timeout {
			continue
		}
		rec.agent.Inactive = true
		ids = append(ids, id)
		changes = append(changes, Change{Kind: ChangeInactive, Agent: r.view(rec), Reason: "heartbeat timeout"})
	}
	timeout := r.timeout
	r.mu.Unlock()

	sort.Strings(ids)
	sort.Slice(changes, func(i, j int) bool { return changes[i].Agent.ID < changes[j].Agent.ID })
	for _, c := range changes {
		r.append(c.Agent.ID, "agent.inactive", models.LogWarning,
			fmt.Sprintf("no heartbeat for %s (holding %d lock(s))", timeout, len(c.Agent.HeldLocks)))
	}
	r.notify(changes)
	return ids
}

// Inactive returns the ids of agents marked inactive.
func (r *Registry) Inactive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, rec := range r.agents {
		if rec.agent.Inactive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Get returns one agent.
func (r *Registry) Get(id string) (models.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[id]
	if !ok {
		return models.Agent{}, false
	}
	return r.view(rec), true
}

// List returns every agent ordered by id.
func (r *Registry) List() []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Agent, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, r.view(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Eligible reports why an agent cannot take a new task, or nil.
func (r *Registry) Eligible(id string, required []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[id]
	if !ok {
		return errors.ErrAgentNotFound
	}
	if rec.errored || rec.agent.Inactive {
		return errors.ErrAgentUnavailable
	}
	if status(rec) != models.AgentStatusIdle {
		return errors.ErrAgentBusy
	}
	for _, c := range required {
		if !rec.agent.HasCapability(strings.ToLower(strings.TrimSpace(c))) {
			return fmt.Errorf("%w: %s", errors.ErrMissingCapability, c)
		}
	}
	return nil
}

// Idle returns available idle agents ordered by last activity, oldest
// first, so work spreads across agents.
func (r *Registry) Idle() []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Agent
	for _, rec := range r.agents {
		if rec.errored || rec.agent.Inactive || status(rec) != models.AgentStatusIdle {
			continue
		}
		out = append(out, r.view(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.Before(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OnLockEvent keeps held and waiting lock sets in step with the Lock
// Manager. Unknown agents are ignored.
func (r *Registry) OnLockEvent(ev locks.Event) {
	r.mu.Lock()
	if r.stale(ev) {
		r.mu.Unlock()
		return
	}
	var changes []Change
	apply := func(l models.Lock, fn func(rec *record)) {
		rec, ok := r.agents[l.AgentID]
		if !ok {
			return
		}
		prev := status(rec)
		fn(rec)
		if next := status(rec); next != prev {
			changes = append(changes, Change{Kind: ChangeStatus, Agent: r.view(rec), Previous: prev})
		}
	}

	switch ev.Kind {
	case locks.EventGranted:
		apply(ev.Lock, func(rec *record) {
			delete(rec.waiting, ev.Lock.ID)
			rec.held[ev.Lock.ID] = struct{}{}
		})
	case locks.EventQueued:
		apply(ev.Lock, func(rec *record) {
			rec.waiting[ev.Lock.ID] = struct{}{}
			rec.agent.LastActivity = r.clock.Now()
		})
	case locks.EventSplit:
		apply(ev.Lock, func(rec *record) {
			delete(rec.held, ev.Lock.ID)
			for _, fine := range ev.Replaced {
				rec.held[fine.ID] = struct{}{}
			}
		})
	case locks.EventReleased, locks.EventExpired, locks.EventCancelled, locks.EventReclaimed, locks.EventDenied:
		apply(ev.Lock, func(rec *record) {
			delete(rec.held, ev.Lock.ID)
			delete(rec.waiting, ev.Lock.ID)
		})
	case locks.EventRenewed:
		apply(ev.Lock, func(rec *record) {
			rec.agent.LastActivity = r.clock.Now()
		})
	}
	r.mu.Unlock()
	r.notify(changes)
}

// stale reports whether ev is older than an event already applied to its
// lock, and otherwise records its Seq. Callers hold r.mu.
func (r *Registry) stale(ev locks.Event) bool {
	if ev.Seq == 0 {
		return false
	}
	if last, ok := r.lockSeq[ev.Lock.ID]; ok && ev.Seq <= last {
		return true
	}
	r.lockSeq[ev.Lock.ID] = ev.Seq

	switch ev.Kind {
	case locks.EventSplit:
		for _, fine := range ev.Replaced {
			r.lockSeq[fine.ID] = ev.Seq
		}
		r.end(ev.Lock.ID)
	case locks.EventReleased, locks.EventExpired, locks.EventCancelled, locks.EventReclaimed, locks.EventDenied:
		r.end(ev.Lock.ID)
	}
	return false
}

func (r *Registry) end(lockID string) {
	r.ended = append(r.ended, lockID)
	if len(r.ended) > maxEnded {
		delete(r.lockSeq, r.ended[0])
		r.ended = r.ended[1:]
	}
}

// OnTaskChange records a task status change for each agent assigned to it.
func (r *Registry) OnTaskChange(taskID string, agentIDs []string, st models.TaskStatus) {
	r.mu.Lock()
	var changes []Change
	for _, id := range agentIDs {
		rec, ok := r.agents[id]
		if !ok {
			continue
		}
		prev := status(rec)
		if st.Active() {
			ref, ok := rec.tasks[taskID]
			if !ok {
				r.seq++
				ref.seq = r.seq
			}
			ref.status = st
			rec.tasks[taskID] = ref
		} else {
			delete(rec.tasks, taskID)
		}
		rec.agent.LastActivity = r.clock.Now()
		if next := status(rec); next != prev {
			changes = append(changes, Change{Kind: ChangeStatus, Agent: r.view(rec), Previous: prev})
		}
	}
	r.mu.Unlock()
	r.notify(changes)
}

// Restore loads persisted agents into an empty registry. Task membership is
// rebuilt by the coordinator through OnTaskChange.
func (r *Registry) Restore(agents []models.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		rec := &record{
			agent:   a,
			errored: a.Status == models.AgentStatusError,
			held:    make(map[string]struct{}),
			waiting: make(map[string]struct{}),
			tasks:   make(map[string]taskRef),
		}
		rec.agent.Status = ""
		rec.agent.CurrentTask = ""
		rec.agent.Tasks = nil
		for _, id := range a.HeldLocks {
			rec.held[id] = struct{}{}
		}
		for _, id := range a.Waiting {
			rec.waiting[id] = struct{}{}
		}
		r.agents[a.ID] = rec
	}
}

// view renders the public record. Callers hold r.mu.
func (r *Registry) view(rec *record) models.Agent {
	a := rec.agent
	a.Capabilities = append([]string(nil), rec.agent.Capabilities...)
	a.Status = status(rec)
	a.HeldLocks = sortedKeys(rec.held)
	a.Waiting = sortedKeys(rec.waiting)
	if a.HeldLocks == nil {
		a.HeldLocks = []string{}
	}

	type ordered struct {
		id  string
		ref taskRef
	}
	tasks := make([]ordered, 0, len(rec.tasks))
	for id, ref := range rec.tasks {
		tasks = append(tasks, ordered{id, ref})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ref.seq < tasks[j].ref.seq })
	a.Tasks = nil
	a.CurrentTask = ""
	for _, t := range tasks {
		a.Tasks = append(a.Tasks, t.id)
		if a.CurrentTask == "" && t.ref.status == models.TaskStatusInProgress {
			a.CurrentTask = t.id
		}
	}
	if a.CurrentTask == "" && len(tasks) > 0 {
		a.CurrentTask = tasks[0].id
	}
	return a
}

func status(rec *record) models.AgentStatus {
	if rec.errored {
		return models.AgentStatusError
	}
	for _, t := range rec.tasks {
		if t.status == models.TaskStatusInProgress {
			return models.AgentStatusWorking
		}
	}
	if len(rec.waiting) > 0 {
		return models.AgentStatusWaiting
	}
	return models.AgentStatusIdle
}

func (r *Registry) append(agentID, action string, st models.LogStatus, msg string) {
	if r.log != nil {
		r.log.Append(agentID, action, "", st, msg)
	}
}

func normalizeCaps(caps []string) []string {
	seen := make(map[string]bool, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
