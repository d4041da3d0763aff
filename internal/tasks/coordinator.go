// Package tasks implements the Task Coordinator: task state, assignment
// and dependency bookkeeping. Locks are requested and released through the
// Lock Manager only.
package tasks

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/lockwarden/internal/agents"
	"github.com/fentz26/lockwarden/internal/audit"
	"github.com/fentz26/lockwarden/internal/clock"
	"github.com/fentz26/lockwarden/internal/conflict"
	"github.com/fentz26/lockwarden/internal/errors"
	"github.com/fentz26/lockwarden/internal/locks"
	"github.com/fentz26/lockwarden/internal/models"
	"github.com/fentz26/lockwarden/internal/resource"
	"github.com/google/uuid"
)

// LockService is the Lock Manager contract used by the coordinator.
type LockService interface {
	Request(req locks.Request) (locks.Result, error)
	Release(agentID, lockID string) (locks.ReleaseResult, error)
	Cancel(agentID, lockID string) (models.Lock, error)
	Retag(lockID, taskID string) error
	Live(f locks.Filter) []models.Lock
	Subscribe(fn func(locks.Event))
}

// AgentBook is the Agent Registry contract used by the coordinator.
type AgentBook interface {
	Eligible(agentID string, required []string) error
	Idle() []models.Agent
	OnTaskChange(taskID string, agentIDs []string, st models.TaskStatus)
	Subscribe(fn func(agents.Change))
}

// Conflicts is the Conflict Detector contract used by the coordinator.
type Conflicts interface {
	CheckCycle(g conflict.Graph, taskID string, deps []string) error
	HasStrategy(name models.Strategy) bool
}

// CapabilityInferer derives required capabilities for tasks that name none.
type CapabilityInferer interface {
	Infer(taskType, description string, resources []string) []string
}

// Spec describes a task to submit.
type Spec struct {
	ID                   string           `json:"task_id,omitempty"`
	TaskType             string           `json:"task_type"`
	Description          string           `json:"description"`
	Resources            []string         `json:"resources"`
	Dependencies         []string         `json:"dependencies,omitempty"`
	RequiredCapabilities []string         `json:"required_capabilities,omitempty"`
	LockLevel            models.LockLevel `json:"lock_level,omitempty"`
	Priority             int              `json:"priority"`
	Strategy             models.Strategy  `json:"conflict_strategy,omitempty"`
	EstimatedDuration    time.Duration    `json:"estimated_duration,omitempty"`
}

// Outcome is passed to Complete. An empty status means completed.
type Outcome struct {
	Status  models.TaskStatus `json:"status,omitempty"`
	Message string            `json:"message,omitempty"`
}

// StartStatus is the result class of Start.
type StartStatus string

const (
	StartStarted StartStatus = "started"
	StartBlocked StartStatus = "blocked"
)

// StartResult is returned by Start. Blocked is a normal outcome: the
// coordinator retries by itself when a lock is granted or a dependency
// completes.
type StartResult struct {
	Status       StartStatus   `json:"status"`
	Task         models.Task   `json:"task"`
	Dependencies []string      `json:"pending_dependencies,omitempty"`
	Waiting      []string      `json:"waiting_resources,omitempty"`
	Denied       []string      `json:"denied_resources,omitempty"`
	Locks        []models.Lock `json:"locks,omitempty"`
}

// Event is delivered to listeners on every task status change.
type Event struct {
	Task     models.Task       `json:"task"`
	Previous models.TaskStatus `json:"previous,omitempty"`
}

// Filter narrows List results.
type Filter struct {
	Status  models.TaskStatus
	AgentID string
}

// Options configures a Coordinator.
type Options struct {
	Logger *slog.Logger
}

// Coordinator owns task state.
type Coordinator struct {
	clock     clock.Clock
	log       *audit.Log
	logger    *slog.Logger
	locks     LockService
	agents    AgentBook
	conflicts Conflicts
	infer     CapabilityInferer

	// mu guards the graph and every taskState field except startMu and
	// retry. It is never held while calling the lock manager or registry.
	mu    sync.RWMutex
	graph *graph

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

type taskState struct {
	task models.Task

	startRequested bool
	denied         []string

	startMu sync.Mutex
	retry   atomic.Bool
}

// New creates a Coordinator and subscribes it to lock and agent events.
func New(c clock.Clock, log *audit.Log, ls LockService, ab AgentBook, cf Conflicts, opts Options) *Coordinator {
	if c == nil {
		c = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	co := &Coordinator{
		clock:     c,
		log:       log,
		logger:    logger.With("component", "tasks"),
		locks:     ls,
		agents:    ab,
		conflicts: cf,
		graph:     newGraph(),
	}
	ls.Subscribe(co.OnLockEvent)
	if ab != nil {
		ab.Subscribe(co.OnAgentChange)
	}
	return co
}

// SetInferer installs the capability inferer used by Submit.
func (c *Coordinator) SetInferer(in CapabilityInferer) {
	c.mu.Lock()
	c.infer = in
	c.mu.Unlock()
}

// Subscribe registers a listener for task status changes.
func (c *Coordinator) Subscribe(fn func(Event)) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

func (c *Coordinator) notify(events ...Event) {
	c.listenersMu.RLock()
	listeners := slices.Clone(c.listeners)
	c.listenersMu.RUnlock()
	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// Submit validates and stores a task as pending. A dependency cycle is
// rejected with a ValidationError before the task exists.
func (c *Coordinator) Submit(spec Spec) (models.Task, error) {
	task, err := c.validate(spec)
	if err != nil {
		c.append("", "task.submit", "", models.LogFailure, err.Error())
		return models.Task{}, err
	}

	c.mu.Lock()
	if ts := c.graph.get(task.ID); ts != nil {
		c.mu.Unlock()
		err := errors.NewValidationError("task_id", task.ID, errors.ErrDuplicateID)
		c.append("", "task.submit", "", models.LogFailure, err.Error())
		return models.Task{}, err
	}
	if c.conflicts != nil {
		if err := c.conflicts.CheckCycle(c.graph, task.ID, task.Dependencies); err != nil {
			c.mu.Unlock()
			c.append("", "task.rejected", "", models.LogFailure, fmt.Sprintf("task %s rejected: %v", task.ID, err))
			return models.Task{}, err
		}
	}
	if len(task.RequiredCapabilities) == 0 && c.infer != nil {
		task.RequiredCapabilities = c.infer.Infer(task.TaskType, task.Description, task.Resources)
	}
	n := c.graph.node(task.ID)
	for _, dep := range task.Dependencies {
		c.graph.link(n, c.graph.node(dep))
	}
	ts := &taskState{task: task}
	c.graph.nodes[n] = ts
	out := cloneTask(ts.task)
	c.mu.Unlock()

	c.append("", "task.submitted", firstOf(out.Resources), models.LogSuccess,
		fmt.Sprintf("task %s (%s) pending with %d resource(s), %d dependenc(ies)", out.ID, out.TaskType, len(out.Resources), len(out.Dependencies)))
	c.notify(Event{Task: out})
	return out, nil
}

func (c *Coordinator) validate(spec Spec) (models.Task, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = uuid.New().String()
	}
	level := spec.LockLevel
	if level == "" {
		level = models.LockLevelWrite
	}
	if !level.Valid() {
		return models.Task{}, errors.NewValidationError("lock_level", string(level), errors.ErrUnknownLockLevel)
	}
	if c.conflicts != nil && !c.conflicts.HasStrategy(spec.Strategy) {
		return models.Task{}, errors.NewValidationError("conflict_strategy", string(spec.Strategy), errors.ErrUnknownStrategy)
	}
	if spec.EstimatedDuration < 0 {
		return models.Task{}, errors.NewValidationError("estimated_duration", spec.EstimatedDuration.String(), errors.ErrInvalidArgument)
	}

	resources := make([]string, 0, len(spec.Resources))
	seen := make(map[string]bool)
	for _, raw := range spec.Resources {
		k, err := resource.Parse(raw)
		if err != nil {
			return models.Task{}, err
		}
		if s := k.String(); !seen[s] {
			seen[s] = true
			resources = append(resources, s)
		}
	}
	deps := make([]string, 0, len(spec.Dependencies))
	seenDep := make(map[string]bool)
	for _, d := range spec.Dependencies {
		d = strings.TrimSpace(d)
		if d == "" || seenDep[d] {
			continue
		}
		seenDep[d] = true
		deps = append(deps, d)
	}

	now := c.clock.Now()
	return models.Task{
		ID:                   id,
		TaskType:             spec.TaskType,
		Description:          spec.Description,
		Status:               models.TaskStatusPending,
		AssignedTo:           []string{},
		Resources:            resources,
		Dependencies:         deps,
		RequiredCapabilities: spec.RequiredCapabilities,
		LockLevel:            level,
		Priority:             spec.Priority,
		Strategy:             spec.Strategy,
		EstimatedDuration:    spec.EstimatedDuration,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// Assign hands a pending task to agents. Every agent must be idle,
// available and carry the required capabilities; otherwise nothing changes
// and a RejectedError is returned.
func (c *Coordinator) Assign(taskID string, agentIDs []string) (models.Task, error) {
	ids := dedupe(agentIDs)
	if len(ids) == 0 {
		return models.Task{}, errors.NewValidationError("agent_ids", "", errors.ErrInvalidArgument).WithReason("at least one agent is required")
	}

	c.mu.RLock()
	ts := c.graph.get(taskID)
	var required []string
	var status models.TaskStatus
	if ts != nil {
		required = append(required, ts.task.RequiredCapabilities...)
		status = ts.task.Status
	}
	c.mu.RUnlock()
	if ts == nil {
		return models.Task{}, fmt.Errorf("assign %s: %w", taskID, errors.ErrTaskNotFound)
	}
	if status != models.TaskStatusPending {
		err := errors.NewTransitionError(taskID, string(status), string(models.TaskStatusAssigned))
		c.append(ids[0], "task.assign", "", models.LogFailure, err.Error())
		return models.Task{}, err
	}

	for _, id := range ids {
		if err := c.agents.Eligible(id, required); err != nil {
			rej := &errors.RejectedError{TaskID: taskID, AgentID: id, Detail: err.Error(), Err: err}
			c.append(id, "task.assign", "", models.LogFailure, rej.Error())
			return models.Task{}, rej
		}
	}

	c.mu.Lock()
	if ts.task.Status != models.TaskStatusPending {
		err := errors.NewTransitionError(taskID, string(ts.task.Status), string(models.TaskStatusAssigned))
		c.mu.Unlock()
		return models.Task{}, err
	}
	ts.task.Status = models.TaskStatusAssigned
	ts.task.AssignedTo = ids
	ts.task.UpdatedAt = c.clock.Now()
	out := cloneTask(ts.task)
	c.mu.Unlock()

	c.agents.OnTaskChange(taskID, ids, models.TaskStatusAssigned)
	c.append(ids[0], "task.assigned", firstOf(out.Resources), models.LogSuccess,
		fmt.Sprintf("task %s assigned to %s", taskID, strings.Join(ids, ", ")))
	c.notify(Event{Task: out, Previous: models.TaskStatusPending})
	return out, nil
}

// Start moves an assigned task to in_progress once every dependency is
// completed and every resource is covered by an active lock of its owner,
// the first assignee. Missing locks are requested; if any is queued the
// task stays assigned and Start reports blocked.
func (c *Coordinator) Start(taskID string) (StartResult, error) {
	c.mu.RLock()
	ts := c.graph.get(taskID)
	c.mu.RUnlock()
	if ts == nil {
		return StartResult{}, fmt.Errorf("start %s: %w", taskID, errors.ErrTaskNotFound)
	}

	ts.startMu.Lock()
	ts.retry.Store(false)
	res, err := c.attempt(ts, true)
	for err == nil && res.Status == StartBlocked && ts.retry.Swap(false) {
		res, err = c.attempt(ts, false)
	}
	ts.startMu.Unlock()
	if ts.retry.Load() {
		c.retry(taskID)
	}
	if err == nil && res.Status == StartBlocked {
		if cur, ok := c.Get(taskID); ok && cur.Status == models.TaskStatusInProgress {
			res.Status, res.Task = StartStarted, cur
		}
	}
	return res, err
}

// retry re-attempts a start requested earlier. It never waits for another
// attempt in flight: it flags it instead, and the running attempt loops.
func (c *Coordinator) retry(taskID string) {
	c.mu.RLock()
	ts := c.graph.get(taskID)
	wanted := ts != nil && ts.startRequested && ts.task.Status == models.TaskStatusAssigned
	c.mu.RUnlock()
	if !wanted {
		return
	}
	if !ts.startMu.TryLock() {
		ts.retry.Store(true)
		return
	}
	for {
		ts.retry.Store(false)
		res, err := c.attempt(ts, false)
		if err != nil || res.Status == StartStarted || !ts.retry.Load() {
			break
		}
	}
	ts.startMu.Unlock()
	if ts.retry.Load() {
		c.retry(taskID)
	}
}

// attempt runs one start attempt. Callers hold ts.startMu.
func (c *Coordinator) attempt(ts *taskState, explicit bool) (StartResult, error) {
	c.mu.Lock()
	task := ts.task
	if task.Status == models.TaskStatusInProgress {
		out := cloneTask(task)
		c.mu.Unlock()
		return StartResult{Status: StartStarted, Task: out}, nil
	}
	if task.Status != models.TaskStatusAssigned {
		c.mu.Unlock()
		err := errors.NewTransitionError(task.ID, string(task.Status), string(models.TaskStatusInProgress))
		if explicit {
			c.append("", "task.start", "", models.LogFailure, err.Error())
		}
		return StartResult{}, err
	}
	ts.startRequested = true
	pendingDeps := c.pendingDependencies(task.ID)
	owner := task.AssignedTo[0]
	resources := append([]string(nil), task.Resources...)
	c.mu.Unlock()

	res := StartResult{Status: StartBlocked, Dependencies: pendingDeps}
	if len(pendingDeps) > 0 {
		res.Task = cloneTask(task)
		if explicit {
			c.append(owner, "task.blocked", "", models.LogSuccess,
				fmt.Sprintf("task %s waiting for dependencies %s", task.ID, strings.Join(pendingDeps, ", ")))
		}
		return res, nil
	}

	covered := c.coverage(owner, task)
	queued := c.queued(owner, task.ID)
	for _, r := range resources {
		if _, ok := covered[r]; ok {
			continue
		}
		if queued[r] {
			continue
		}
		out, err := c.locks.Request(locks.Request{
			AgentID:    owner,
			ResourceID: r,
			Level:      task.LockLevel,
			Priority:   task.Priority,
			Intent:     "task " + task.ID + ": " + task.Description,
			Strategy:   task.Strategy,
			TaskID:     task.ID,
		})
		if err != nil {
			return StartResult{}, fmt.Errorf("start %s: request %s: %w", task.ID, r, err)
		}
		switch out.Outcome {
		case locks.OutcomeGranted:
			covered[r] = out.Lock
		case locks.OutcomeDenied:
			res.Denied = append(res.Denied, r)
		}
	}

	// leases may have ended since the requests; look again
	covered = c.coverage(owner, task)
	for _, r := range resources {
		l, ok := covered[r]
		if !ok {
			if !contains(res.Denied, r) {
				res.Waiting = append(res.Waiting, r)
			}
			continue
		}
		res.Locks = append(res.Locks, l)
	}

	c.mu.Lock()
	ts.denied = res.Denied
	if len(res.Waiting) > 0 || len(res.Denied) > 0 || ts.task.Status != models.TaskStatusAssigned ||
		len(c.pendingDependencies(task.ID)) > 0 {
		res.Task = cloneTask(ts.task)
		c.mu.Unlock()
		if explicit {
			msg := fmt.Sprintf("task %s waiting for %d lock(s)", task.ID, len(res.Waiting))
			if len(res.Denied) > 0 {
				msg += fmt.Sprintf(", %d denied", len(res.Denied))
			}
			c.append(owner, "task.blocked", firstOf(res.Waiting), models.LogSuccess, msg)
		}
		return res, nil
	}
	now := c.clock.Now()
	started := now
	ts.task.Status = models.TaskStatusInProgress
	ts.task.StartedAt = &started
	ts.task.UpdatedAt = now
	ts.startRequested = false
	ts.denied = nil
	out := cloneTask(ts.task)
	c.mu.Unlock()

	c.agents.OnTaskChange(out.ID, out.AssignedTo, models.TaskStatusInProgress)
	c.append(owner, "task.started", firstOf(out.Resources), models.LogSuccess,
		fmt.Sprintf("task %s in progress holding %d lock(s)", out.ID, len(res.Locks)))
	c.notify(Event{Task: out, Previous: models.TaskStatusAssigned})
	res.Status, res.Task = StartStarted, out
	return res, nil
}

// coverage maps each task resource to an active lock of the owner on that
// exact key at a sufficient level, whichever task it was taken for.
func (c *Coordinator) coverage(owner string, task models.Task) map[string]models.Lock {
	covered := make(map[string]models.Lock)
	need := make(map[string]bool, len(task.Resources))
	for _, r := range task.Resources {
		need[r] = true
	}
	for _, l := range c.locks.Live(locks.Filter{AgentID: owner, Status: models.LockStatusActive}) {
		if !need[l.ResourceID] || l.LockLevel.Rank() < task.LockLevel.Rank() {
			continue
		}
		if prev, ok := covered[l.ResourceID]; ok && prev.TaskID == task.ID {
			continue
		}
		covered[l.ResourceID] = l
	}
	return covered
}

// queued reports the resources on which the owner already waits for this
// task. A retry must not queue a second request behind the first.
func (c *Coordinator) queued(owner, taskID string) map[string]bool {
	out := make(map[string]bool)
	for _, l := range c.locks.Live(locks.Filter{AgentID: owner, TaskID: taskID, Status: models.LockStatusWaiting}) {
		out[l.ResourceID] = true
	}
	return out
}

// pendingDependencies lists dependencies not yet completed. Callers hold mu.
func (c *Coordinator) pendingDependencies(id string) []string {
	n, ok := c.graph.index[id]
	if !ok {
		return nil
	}
	var out []string
	for _, d := range c.graph.deps[n] {
		dep := c.graph.nodes[d]
		if dep == nil || dep.task.Status != models.TaskStatusCompleted {
			out = append(out, c.graph.ids[d])
		}
	}
	return out
}

// Complete finishes an in-progress task. Its locks are released unless
// another active task of the same agent lists the same resource, in which
// case the lock is handed over to that task.
func (c *Coordinator) Complete(taskID string, outcome Outcome) (models.Task, error) {
	st := outcome.Status
	if st == "" {
		st = models.TaskStatusCompleted
	}
	if !st.Terminal() {
		return models.Task{}, errors.NewValidationError("status", string(st), errors.ErrInvalidArgument).
			WithReason("outcome must be completed or failed")
	}

	c.mu.Lock()
	ts := c.graph.get(taskID)
	if ts == nil {
		c.mu.Unlock()
		return models.Task{}, fmt.Errorf("complete %s: %w", taskID, errors.ErrTaskNotFound)
	}
	if ts.task.Status != models.TaskStatusInProgress {
		err := errors.NewTransitionError(taskID, string(ts.task.Status), string(st))
		c.mu.Unlock()
		c.append("", "task.complete", "", models.LogFailure, err.Error())
		return models.Task{}, err
	}
	out := c.finishLocked(ts, st, outcome.Message)
	handover := c.handoverLocked(out)
	dependents := c.waitingDependents(taskID)
	c.mu.Unlock()

	released := c.releaseTaskLocks(out, handover)
	c.agents.OnTaskChange(out.ID, out.AssignedTo, st)

	logStatus := models.LogSuccess
	if st == models.TaskStatusFailed {
		logStatus = models.LogFailure
	}
	msg := fmt.Sprintf("task %s %s after %s; released %d lock(s)", out.ID, st, out.ActualDuration.Round(time.Millisecond), released)
	if len(handover) > 0 {
		msg += fmt.Sprintf(", kept %d for other tasks", len(handover))
	}
	if outcome.Message != "" {
		msg += ": " + outcome.Message
	}
	c.append(firstOf(out.AssignedTo), "task."+string(st), firstOf(out.Resources), logStatus, msg)
	c.notify(Event{Task: out, Previous: models.TaskStatusInProgress})

	for _, id := range dependents {
		c.retry(id)
	}
	return out, nil
}

// finishLocked moves a task to a terminal status. Callers hold mu.
func (c *Coordinator) finishLocked(ts *taskState, st models.TaskStatus, msg string) models.Task {
	now := c.clock.Now()
	completed := now
	ts.task.Status = st
	ts.task.CompletedAt = &completed
	ts.task.UpdatedAt = now
	ts.task.Outcome = msg
	if ts.task.StartedAt != nil {
		ts.task.ActualDuration = now.Sub(*ts.task.StartedAt)
	}
	if st == models.TaskStatusCompleted {
		ts.task.Progress = 100
	}
	ts.startRequested = false
	ts.denied = nil
	return cloneTask(ts.task)
}

// handoverLocked maps resources of a finished task to another active task
// of the same owner that also lists them. Callers hold mu.
func (c *Coordinator) handoverLocked(done models.Task) map[string]string {
	if len(done.AssignedTo) == 0 {
		return nil
	}
	owner := done.AssignedTo[0]
	out := make(map[string]string)
	for _, ts := range c.graph.nodes {
		if ts == nil || ts.task.ID == done.ID || !ts.task.Status.Active() || len(ts.task.AssignedTo) == 0 || ts.task.AssignedTo[0] != owner {
			continue
		}
		for _, r := range ts.task.Resources {
			if _, taken := out[r]; !taken && contains(done.Resources, r) {
				out[r] = ts.task.ID
			}
		}
	}
	return out
}

// releaseTaskLocks releases or hands over every lock taken for a task and
// returns how many were released. Waiting requests are cancelled first so a
// release cannot promote one of the task's own waiters.
func (c *Coordinator) releaseTaskLocks(t models.Task, handover map[string]string) int {
	for _, l := range c.locks.Live(locks.Filter{TaskID: t.ID, Status: models.LockStatusWaiting}) {
		if _, err := c.locks.Cancel(l.AgentID, l.ID); err != nil && !errors.Is(err, errors.ErrLockNotFound) {
			c.logger.Warn("cancel task lock", "task", t.ID, "lock", l.ID, "error", err)
		}
	}

	released := 0
	// A waiter promoted by a concurrent release shows up on the next pass.
	for pass := 0; pass < 3; pass++ {
		live := c.locks.Live(locks.Filter{TaskID: t.ID})
		if len(live) == 0 {
			break
		}
		for _, l := range live {
			if next, ok := handover[l.ResourceID]; ok && l.Status == models.LockStatusActive {
				if err := c.locks.Retag(l.ID, next); err == nil {
					c.dropDuplicateWaiter(l, next)
					continue
				}
			}
			var err error
			if l.Status == models.LockStatusWaiting {
				_, err = c.locks.Cancel(l.AgentID, l.ID)
			} else {
				_, err = c.locks.Release(l.AgentID, l.ID)
				if err == nil {
					released++
				}
			}
			if err != nil && !errors.Is(err, errors.ErrLockNotFound) && !errors.Is(err, errors.ErrLockNotWaiting) {
				c.logger.Warn("release task lock", "task", t.ID, "lock", l.ID, "error", err)
			}
		}
	}
	return released
}

// dropDuplicateWaiter cancels a waiting request the receiving task made for
// a resource it now holds through a handed-over lock.
func (c *Coordinator) dropDuplicateWaiter(handed models.Lock, taskID string) {
	for _, w := range c.locks.Live(locks.Filter{TaskID: taskID, Resource: handed.ResourceID, Status: models.LockStatusWaiting}) {
		if w.AgentID == handed.AgentID {
			c.locks.Cancel(w.AgentID, w.ID)
		}
	}
	c.retry(taskID)
}

// waitingDependents lists tasks that depend on id and asked to start.
// Callers hold mu.
func (c *Coordinator) waitingDependents(id string) []string {
	n, ok := c.graph.index[id]
	if !ok {
		return nil
	}
	var out []string
	for _, d := range c.graph.dependents[n] {
		if ts := c.graph.nodes[d]; ts != nil && ts.startRequested {
			out = append(out, ts.task.ID)
		}
	}
	return out
}

// UpdateProgress records progress on an in-progress task.
func (c *Coordinator) UpdateProgress(taskID string, pct int) (models.Task, error) {
	if pct < 0 || pct > 100 {
		return models.Task{}, errors.NewValidationError("progress", fmt.Sprint(pct), errors.ErrInvalidArgument).WithReason("must be between 0 and 100")
	}
	c.mu.Lock()
	ts := c.graph.get(taskID)
	if ts == nil {
		c.mu.Unlock()
		return models.Task{}, fmt.Errorf("progress %s: %w", taskID, errors.ErrTaskNotFound)
	}
	if ts.task.Status != models.TaskStatusInProgress {
		err := errors.NewTransitionError(taskID, string(ts.task.Status), string(ts.task.Status))
		c.mu.Unlock()
		return models.Task{}, err
	}
	ts.task.Progress = pct
	ts.task.UpdatedAt = c.clock.Now()
	out := cloneTask(ts.task)
	c.mu.Unlock()

	c.append(firstOf(out.AssignedTo), "task.progress", "", models.LogSuccess, fmt.Sprintf("task %s at %d%%", taskID, pct))
	return out, nil
}

// OnLockEvent drives the event-driven start retry.
func (c *Coordinator) OnLockEvent(ev locks.Event) {
	switch ev.Kind {
	case locks.EventGranted:
		if ev.Lock.TaskID != "" {
			c.retry(ev.Lock.TaskID)
		}
	case locks.EventReleased, locks.EventExpired, locks.EventReclaimed, locks.EventCancelled, locks.EventSplit:
		for _, id := range c.deniedOn(ev.Lock.ResourceID) {
			c.retry(id)
		}
	}
}

// deniedOn lists tasks whose last start attempt was denied a resource in
// the same family as res.
func (c *Coordinator) deniedOn(res string) []string {
	k, err := resource.Parse(res)
	if err != nil {
		return nil
	}
	family := k.Family()
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, ts := range c.graph.nodes {
		if ts == nil || !ts.startRequested {
			continue
		}
		for _, d := range ts.denied {
			if dk, err := resource.Parse(d); err == nil && dk.Family() == family {
				out = append(out, ts.task.ID)
				break
			}
		}
	}
	return out
}

// OnAgentChange reverts work of agents that became unavailable: assigned
// tasks return to pending, and in-progress tasks of a faulted agent fail.
func (c *Coordinator) OnAgentChange(ch agents.Change) {
	if ch.Kind != agents.ChangeFault && ch.Kind != agents.ChangeInactive {
		return
	}
	agentID := ch.Agent.ID

	type change struct {
		task models.Task
		prev models.TaskStatus
	}
	var changes []change
	c.mu.Lock()
	for _, ts := range c.graph.nodes {
		if ts == nil || !contains(ts.task.AssignedTo, agentID) {
			continue
		}
		switch {
		case ts.task.Status == models.TaskStatusAssigned:
			prev := cloneTask(ts.task)
			ts.task.Status = models.TaskStatusPending
			ts.task.AssignedTo = []string{}
			ts.task.UpdatedAt = c.clock.Now()
			ts.startRequested = false
			ts.denied = nil
			changes = append(changes, change{task: prev, prev: models.TaskStatusAssigned})
		case ts.task.Status == models.TaskStatusInProgress && ch.Kind == agents.ChangeFault:
			prev := cloneTask(ts.task)
			c.finishLocked(ts, models.TaskStatusFailed, "agent "+agentID+" faulted: "+ch.Reason)
			changes = append(changes, change{task: prev, prev: models.TaskStatusInProgress})
		}
	}
	c.mu.Unlock()

	for _, chg := range changes {
		cur, _ := c.Get(chg.task.ID)
		c.releaseTaskLocks(chg.task, nil)
		c.agents.OnTaskChange(chg.task.ID, chg.task.AssignedTo, cur.Status)
		if cur.Status == models.TaskStatusFailed {
			c.append(agentID, "task.failed", firstOf(cur.Resources), models.LogFailure,
				fmt.Sprintf("task %s failed: %s", cur.ID, cur.Outcome))
		} else {
			c.append(agentID, "task.unassigned", firstOf(cur.Resources), models.LogWarning,
				fmt.Sprintf("task %s back to pending: agent %s unavailable", cur.ID, agentID))
		}
		c.notify(Event{Task: cur, Previous: chg.prev})
	}
}

// Dispatch assigns ready pending tasks to idle capable agents and starts
// them, at most limit tasks (no limit when limit <= 0).
func (c *Coordinator) Dispatch(limit int) []StartResult {
	c.mu.RLock()
	var ready []models.Task
	for _, ts := range c.graph.nodes {
		if ts == nil || ts.task.Status != models.TaskStatusPending {
			continue
		}
		if len(c.pendingDependencies(ts.task.ID)) > 0 {
			continue
		}
		ready = append(ready, cloneTask(ts.task))
	}
	c.mu.RUnlock()
	if len(ready) == 0 {
		return nil
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	idle := c.agents.Idle()
	var out []StartResult
	for _, t := range ready {
		if limit > 0 && len(out) >= limit {
			break
		}
		pick := -1
		for i, a := range idle {
			if hasAll(a, t.RequiredCapabilities) {
				pick = i
				break
			}
		}
		if pick < 0 {
			continue
		}
		agent := idle[pick]
		idle = append(idle[:pick], idle[pick+1:]...)
		if _, err := c.Assign(t.ID, []string{agent.ID}); err != nil {
			c.logger.Debug("dispatch assign", "task", t.ID, "agent", agent.ID, "error", err)
			continue
		}
		res, err := c.Start(t.ID)
		if err != nil {
			c.logger.Warn("dispatch start", "task", t.ID, "agent", agent.ID, "error", err)
			continue
		}
		out = append(out, res)
	}
	return out
}

// Get returns one task.
func (c *Coordinator) Get(id string) (models.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ts := c.graph.get(id)
	if ts == nil {
		return models.Task{}, false
	}
	return cloneTask(ts.task), true
}

// List returns tasks in submission order.
func (c *Coordinator) List(f Filter) []models.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Task
	for _, ts := range c.graph.nodes {
		if ts == nil {
			continue
		}
		if f.Status != "" && ts.task.Status != f.Status {
			continue
		}
		if f.AgentID != "" && !contains(ts.task.AssignedTo, f.AgentID) {
			continue
		}
		out = append(out, cloneTask(ts.task))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Counts returns the number of tasks per status.
func (c *Coordinator) Counts() map[models.TaskStatus]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[models.TaskStatus]int)
	for _, ts := range c.graph.nodes {
		if ts != nil {
			out[ts.task.Status]++
		}
	}
	return out
}

// Restore loads persisted tasks into an empty coordinator and replays
// active assignments into the agent registry.
func (c *Coordinator) Restore(tasks []models.Task) {
	sorted := append([]models.Task(nil), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	c.mu.Lock()
	for _, t := range sorted {
		n := c.graph.node(t.ID)
		for _, dep := range t.Dependencies {
			c.graph.link(n, c.graph.node(dep))
		}
		if t.AssignedTo == nil {
			t.AssignedTo = []string{}
		}
		c.graph.nodes[n] = &taskState{task: cloneTask(t), startRequested: t.Status == models.TaskStatusAssigned}
	}
	c.mu.Unlock()

	for _, t := range sorted {
		if t.Status.Active() && c.agents != nil {
			c.agents.OnTaskChange(t.ID, t.AssignedTo, t.Status)
		}
	}
}

func (c *Coordinator) append(agentID, action, res string, st models.LogStatus, msg string) {
	if c.log != nil {
		c.log.Append(agentID, action, res, st, msg)
	}
}

func cloneTask(t models.Task) models.Task {
	out := t
	out.AssignedTo = append([]string{}, t.AssignedTo...)
	out.Resources = append([]string{}, t.Resources...)
	out.Dependencies = append([]string{}, t.Dependencies...)
	out.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	return out
}

func hasAll(a models.Agent, caps []string) bool {
	for _, c := range caps {
		if !a.HasCapability(strings.ToLower(c)) {
			return false
		}
	}
	return true
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func firstOf(list []string) string {
	if len(list) > 0 {
		return list[0]
	}
	return ""
}
