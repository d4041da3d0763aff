// Package conflict detects and resolves overlapping work between agents.
package conflict

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
	"github.com/fentz26/lockwarden/internal/resource"
	"github.com/google/uuid"
)

// LockTable is the part of the Lock Manager the detector drives.
type LockTable interface {
	SetArbiter(a locks.Arbiter)
	Subscribe(fn func(locks.Event))
	Active() []models.Lock
	Live(f locks.Filter) []models.Lock
	Unhold(lockID string) (models.Lock, error)
	Withdraw(lockID, reason string) (models.Lock, error)
}

// AgentDirectory exposes agent liveness to the stale-lock sweep.
type AgentDirectory interface {
	Inactive() []string
	Fault(agentID, reason string) error
}

// Graph is an index-based view of the task dependency graph.
type Graph interface {
	Index(taskID string) (int, bool)
	TaskID(node int) string
	Dependencies(node int) []int
}

// EventKind identifies a conflict transition.
type EventKind string

const (
	EventRaised    EventKind = "raised"
	EventResolved  EventKind = "resolved"
	EventEscalated EventKind = "escalated"
)

// Event is delivered to listeners on conflict transitions.
type Event struct {
	Kind     EventKind       `json:"kind"`
	Conflict models.Conflict `json:"conflict"`
}

// Decision names the outcome of an explicit Resolve call.
type Decision string

const (
	// DecisionGrant releases a negotiated request into the queue.
	DecisionGrant Decision = "grant"
	// DecisionAbort withdraws the contended waiting request.
	DecisionAbort Decision = "abort"
	// DecisionDismiss closes the conflict without touching any lock.
	DecisionDismiss Decision = "dismiss"
)

// Filter narrows List results.
type Filter struct {
	Unresolved bool
	Type       models.ConflictType
	AgentID    string
}

// Options configures a Detector.
type Options struct {
	DefaultStrategy  models.Strategy
	NegotiateTimeout time.Duration
	StaleGrace       time.Duration
	Logger           *slog.Logger
}

// Detector classifies conflicts, dispatches resolution strategies and keeps
// every conflict queryable. Conflicts are never deleted.
type Detector struct {
	clock  clock.Clock
	log    *audit.Log
	logger *slog.Logger
	table  LockTable
	agents AgentDirectory

	mu         sync.RWMutex
	opts       Options
	strategies map[models.Strategy]Strategy
	semantic   SemanticPredicate
	conflicts  map[string]*models.Conflict
	order      []string
	byLock     map[string]string // waiting request -> open conflict
	stale      map[string]string // agent -> open stale-lock conflict
	pairs      map[string]string // semantic lock pair -> open conflict

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// New creates a Detector, installs it as the table's arbiter and subscribes
// it to lock events.
func New(c clock.Clock, log *audit.Log, table LockTable, agents AgentDirectory, opts Options) *Detector {
	if c == nil {
		c = clock.Real{}
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = models.StrategyWait
	}
	if opts.NegotiateTimeout <= 0 {
		opts.NegotiateTimeout = 5 * time.Minute
	}
	if opts.StaleGrace <= 0 {
		opts.StaleGrace = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{
		clock:      c,
		log:        log,
		logger:     logger.With("component", "conflict"),
		table:      table,
		agents:     agents,
		opts:       opts,
		strategies: make(map[models.Strategy]Strategy),
		semantic:   SharedSymbols,
		conflicts:  make(map[string]*models.Conflict),
		byLock:     make(map[string]string),
		stale:      make(map[string]string),
		pairs:      make(map[string]string),
	}
	for _, s := range []Strategy{waitStrategy{}, abortStrategy{}, negotiateStrategy{}, NewMergeStrategy(nil)} {
		d.strategies[s.Name()] = s
	}
	if table != nil {
		table.SetArbiter(d)
		table.Subscribe(d.OnLockEvent)
	}
	return d
}

// Register adds or replaces a strategy.
func (d *Detector) Register(s Strategy) {
	d.mu.Lock()
	d.strategies[s.Name()] = s
	d.mu.Unlock()
}

// HasStrategy reports whether name is registered. The empty name selects
// the default strategy and is always valid.
func (d *Detector) HasStrategy(name models.Strategy) bool {
	if name == "" {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.strategies[name]
	return ok
}

// Strategies lists registered strategy names.
func (d *Detector) Strategies() []models.Strategy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Strategy, 0, len(d.strategies))
	for name := range d.strategies {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetSemanticPredicate replaces the predicate used by SweepSemantic.
func (d *Detector) SetSemanticPredicate(p SemanticPredicate) {
	if p == nil {
		p = SharedSymbols
	}
	d.mu.Lock()
	d.semantic = p
	d.mu.Unlock()
}

// SetDefaultStrategy changes the strategy used for requests that name none.
func (d *Detector) SetDefaultStrategy(name models.Strategy) error {
	if !d.HasStrategy(name) {
		return errors.NewValidationError("conflict_strategy", string(name), errors.ErrUnknownStrategy)
	}
	d.mu.Lock()
	if name != "" {
		d.opts.DefaultStrategy = name
	}
	d.mu.Unlock()
	return nil
}

// SetTimeouts changes the negotiate and stale-lock bounds.
func (d *Detector) SetTimeouts(negotiate, staleGrace time.Duration) {
	d.mu.Lock()
	if negotiate > 0 {
		d.opts.NegotiateTimeout = negotiate
	}
	if staleGrace > 0 {
		d.opts.StaleGrace = staleGrace
	}
	d.mu.Unlock()
}

// Subscribe registers a listener for conflict transitions. Listeners of
// raised events run inside the Lock Manager's critical section and must
// not call it.
func (d *Detector) Subscribe(fn func(Event)) {
	d.listenersMu.Lock()
	d.listeners = append(d.listeners, fn)
	d.listenersMu.Unlock()
}

func (d *Detector) notify(events []Event) {
	if len(events) == 0 {
		return
	}
	d.listenersMu.RLock()
	listeners := slices.Clone(d.listeners)
	d.listenersMu.RUnlock()
	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// Arbitrate implements locks.Arbiter. It raises a resource-overlap conflict
// and dispatches to the strategy named by the contended request, which is
// authoritative for its own conflict.
func (d *Detector) Arbitrate(c locks.Contention) locks.Decision {
	req := c.Request
	d.mu.Lock()
	name := req.Strategy
	if name == "" {
		name = d.opts.DefaultStrategy
	}
	strat, ok := d.strategies[name]
	if !ok {
		name = models.StrategyWait
		strat = d.strategies[name]
	}

	conf := &models.Conflict{
		ID:                  uuid.New().String(),
		Type:                models.ConflictResourceOverlap,
		AgentsInvolved:      []string{req.AgentID},
		Resources:           []string{req.ResourceID},
		LockIDs:             []string{req.ID},
		Severity:            models.SeverityLow,
		Strategy:            name,
		SuggestedResolution: suggestion(name),
		DetectedAt:          d.clock.Now(),
	}
	for _, b := range c.Blockers {
		conf.AgentsInvolved = appendUnique(conf.AgentsInvolved, b.Lock.AgentID)
		conf.Resources = appendUnique(conf.Resources, b.Lock.ResourceID)
		conf.LockIDs = append(conf.LockIDs, b.Lock.ID)
		conf.Severity = maxSeverity(conf.Severity, Severity(req.LockLevel, b.Lock.LockLevel, b.Extent))
	}
	d.mu.Unlock()

	decision := strat.Resolve(&Situation{Contention: c, Conflict: *conf})
	decision.ConflictID = conf.ID
	note := fmt.Sprintf("conflict %s %s/%s via %s", shortID(conf.ID), conf.Type, conf.Severity, name)
	if decision.Note != "" {
		note += ": " + decision.Note
	}
	decision.Note = note

	d.mu.Lock()
	d.conflicts[conf.ID] = conf
	d.order = append(d.order, conf.ID)
	d.byLock[req.ID] = conf.ID
	snapshot := clone(conf)
	d.mu.Unlock()

	d.logger.Info("conflict raised", "conflict", conf.ID, "agent", req.AgentID,
		"resource", req.ResourceID, "strategy", name, "action", decision.Action.String())
	d.notify([]Event{{Kind: EventRaised, Conflict: snapshot}})
	return decision
}

// OnLockEvent closes conflicts whose contended request reached an outcome
// and semantic conflicts whose locks ended.
func (d *Detector) OnLockEvent(ev locks.Event) {
	var resolution string
	switch ev.Kind {
	case locks.EventGranted:
		resolution = "lock granted"
		if ev.Reason == "merge" {
			resolution = "merged into finer-grained locks"
		}
	case locks.EventDenied:
		resolution = "request aborted"
	case locks.EventCancelled:
		resolution = "request withdrawn"
	case locks.EventExpired:
		resolution = "request expired"
	case locks.EventReleased, locks.EventReclaimed, locks.EventSplit:
	default:
		return
	}

	now := d.clock.Now()
	var events []Event
	d.mu.Lock()
	if resolution != "" {
		if id, ok := d.byLock[ev.Lock.ID]; ok {
			delete(d.byLock, ev.Lock.ID)
			if c := d.conflicts[id]; c != nil && !c.Resolved {
				d.resolveLocked(c, resolution, now)
				events = append(events, Event{Kind: EventResolved, Conflict: clone(c)})
			}
		}
	}
	if ev.Lock.Status.Terminal() {
		for pair, id := range d.pairs {
			c := d.conflicts[id]
			if c == nil || c.Resolved || !contains(c.LockIDs, ev.Lock.ID) {
				continue
			}
			delete(d.pairs, pair)
			d.resolveLocked(c, "lock ended", now)
			events = append(events, Event{Kind: EventResolved, Conflict: clone(c)})
		}
	}
	d.mu.Unlock()
	d.notify(events)
}

// Resolve applies an explicit decision to an open conflict. Grant and abort
// act on the contended waiting request; dismiss only closes the record.
func (d *Detector) Resolve(conflictID string, decision Decision, note string) (models.Conflict, error) {
	now := d.clock.Now()
	d.mu.Lock()
	c, ok := d.conflicts[conflictID]
	if !ok {
		d.mu.Unlock()
		return models.Conflict{}, fmt.Errorf("resolve %s: %w", conflictID, errors.ErrConflictNotFound)
	}
	if c.Resolved {
		out := clone(c)
		d.mu.Unlock()
		return out, fmt.Errorf("resolve %s: %w", conflictID, errors.ErrConflictResolved)
	}

	var lockID string
	switch decision {
	case DecisionGrant:
		if c.Strategy != models.StrategyNegotiate || c.Type != models.ConflictResourceOverlap {
			d.mu.Unlock()
			return models.Conflict{}, errors.NewValidationError("decision", string(decision), errors.ErrInvalidArgument).
				WithReason("only negotiated conflicts can be granted")
		}
		lockID = c.LockIDs[0]
	case DecisionAbort:
		if c.Type != models.ConflictResourceOverlap || d.byLock[c.LockIDs[0]] != c.ID {
			d.mu.Unlock()
			return models.Conflict{}, errors.NewValidationError("decision", string(decision), errors.ErrInvalidArgument).
				WithReason("conflict has no waiting request to abort")
		}
		lockID = c.LockIDs[0]
	case DecisionDismiss:
	default:
		d.mu.Unlock()
		return models.Conflict{}, errors.NewValidationError("decision", string(decision), errors.ErrInvalidArgument)
	}

	resolution := string(decision)
	if note != "" {
		resolution += ": " + note
	}
	if c.Strategy == models.StrategyNegotiate {
		resolution = "negotiated " + resolution
	}
	d.resolveLocked(c, resolution, now)
	d.dropIndexes(c)
	d.mu.Unlock()

	var err error
	switch decision {
	case DecisionGrant:
		_, err = d.table.Unhold(lockID)
	case DecisionAbort:
		_, err = d.table.Withdraw(lockID, "conflict "+shortID(c.ID)+" aborted")
	}
	if err != nil {
		d.mu.Lock()
		c.Resolved, c.Resolution, c.ResolvedAt = false, "", nil
		d.byLock[lockID] = c.ID
		d.mu.Unlock()
		return models.Conflict{}, fmt.Errorf("resolve %s: %w", conflictID, err)
	}

	out, _ := d.Get(conflictID)
	d.append(firstAgent(out), "conflict.resolved", firstResource(out), models.LogSuccess,
		fmt.Sprintf("conflict %s resolved: %s", shortID(out.ID), out.Resolution))
	d.notify([]Event{{Kind: EventResolved, Conflict: out}})
	return out, nil
}

// CheckCycle reports whether adding edges task -> deps to g closes a
// dependency cycle. A cycle is recorded as a resolved dependency-cycle
// conflict and returned as a ValidationError.
func (d *Detector) CheckCycle(g Graph, taskID string, deps []string) error {
	path := findCycle(g, taskID, deps)
	if path == nil {
		return nil
	}
	now := d.clock.Now()
	chain := strings.Join(path, " -> ")
	c := &models.Conflict{
		ID:                  uuid.New().String(),
		Type:                models.ConflictDependencyCycle,
		AgentsInvolved:      []string{},
		Resources:           path[:len(path)-1],
		Severity:            models.SeverityHigh,
		SuggestedResolution: "remove one dependency from " + chain,
		DetectedAt:          now,
	}
	d.mu.Lock()
	d.resolveLocked(c, "submission rejected", now)
	d.conflicts[c.ID] = c
	d.order = append(d.order, c.ID)
	out := clone(c)
	d.mu.Unlock()

	d.notify([]Event{{Kind: EventRaised, Conflict: out}})
	return errors.NewValidationError("dependencies", strings.Join(deps, ","), errors.ErrDependencyCycle).
		WithReason("cycle %s", chain)
}

// findCycle walks from each dependency looking for taskID. It returns the
// cycle as task ids starting and ending at taskID, or nil.
func findCycle(g Graph, taskID string, deps []string) []string {
	for _, dep := range deps {
		if dep == taskID {
			return []string{taskID, taskID}
		}
	}
	target, ok := g.Index(taskID)
	if !ok {
		// a brand-new task has no dependents yet
		return nil
	}
	visited := make(map[int]bool)
	var stack []int
	var walk func(n int) bool
	walk = func(n int) bool {
		if n == target {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		stack = append(stack, n)
		for _, next := range g.Dependencies(n) {
			if walk(next) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		return false
	}
	for _, dep := range deps {
		n, ok := g.Index(dep)
		if !ok {
			continue
		}
		stack = stack[:0]
		if walk(n) {
			path := []string{taskID}
			for _, s := range stack {
				path = append(path, g.TaskID(s))
			}
			return append(path, taskID)
		}
	}
	return nil
}

// SweepStale raises a stale-lock conflict for every inactive agent still
// holding active locks. Once a conflict has been open for the grace period
// the agent is faulted, which reclaims its locks.
func (d *Detector) SweepStale(now time.Time) []models.Conflict {
	if d.agents == nil || d.table == nil {
		return nil
	}
	inactive := make(map[string]bool)
	for _, id := range d.agents.Inactive() {
		inactive[id] = true
	}

	var raised []models.Conflict
	var faults []string
	var closed []Event

	d.mu.Lock()
	grace := d.opts.StaleGrace
	for agent, id := range d.stale {
		c := d.conflicts[id]
		if inactive[agent] {
			continue
		}
		delete(d.stale, agent)
		d.resolveLocked(c, "agent active again", now)
		closed = append(closed, Event{Kind: EventResolved, Conflict: clone(c)})
	}
	d.mu.Unlock()

	ids := make([]string, 0, len(inactive))
	for id := range inactive {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, agent := range ids {
		held := d.table.Live(locks.Filter{AgentID: agent, Status: models.LockStatusActive})
		d.mu.Lock()
		openID, open := d.stale[agent]
		switch {
		case len(held) == 0 && open:
			c := d.conflicts[openID]
			delete(d.stale, agent)
			d.resolveLocked(c, "locks released", now)
			closed = append(closed, Event{Kind: EventResolved, Conflict: clone(c)})
		case len(held) > 0 && !open:
			c := &models.Conflict{
				ID:                  uuid.New().String(),
				Type:                models.ConflictStaleLock,
				AgentsInvolved:      []string{agent},
				Severity:            models.SeverityMedium,
				SuggestedResolution: fmt.Sprintf("force release after %s unless the agent heartbeats", grace),
				DetectedAt:          now,
			}
			for _, l := range held {
				c.Resources = appendUnique(c.Resources, l.ResourceID)
				c.LockIDs = append(c.LockIDs, l.ID)
			}
			d.conflicts[c.ID] = c
			d.order = append(d.order, c.ID)
			d.stale[agent] = c.ID
			raised = append(raised, clone(c))
		case len(held) > 0 && open && now.Sub(d.conflicts[openID].DetectedAt) >= grace:
			faults = append(faults, agent)
		}
		d.mu.Unlock()
	}

	for _, c := range raised {
		d.append(c.AgentsInvolved[0], "conflict.stale", firstResource(c), models.LogWarning,
			fmt.Sprintf("inactive agent holds %d active lock(s); conflict %s", len(c.LockIDs), shortID(c.ID)))
		closed = append(closed, Event{Kind: EventRaised, Conflict: c})
	}
	for _, agent := range faults {
		if err := d.agents.Fault(agent, "stale locks past grace period"); err != nil {
			d.logger.Warn("stale escalation failed", "agent", agent, "error", err)
			continue
		}
		d.mu.Lock()
		if id, ok := d.stale[agent]; ok {
			c := d.conflicts[id]
			delete(d.stale, agent)
			d.resolveLocked(c, "forced release", d.clock.Now())
			closed = append(closed, Event{Kind: EventResolved, Conflict: clone(c)})
		}
		d.mu.Unlock()
	}
	d.notify(closed)
	return raised
}

// SweepSemantic checks pairs of active locks held by different agents on
// physically disjoint resources with the semantic predicate.
func (d *Detector) SweepSemantic() []models.Conflict {
	if d.table == nil {
		return nil
	}
	active := d.table.Active()
	d.mu.RLock()
	pred := d.semantic
	d.mu.RUnlock()

	type candidate struct{ a, b models.Lock }
	var found []candidate
	for i := 0; i < len(active); i++ {
		for j := i + 1; j < len(active); j++ {
			a, b := active[i], active[j]
			if a.AgentID == b.AgentID || models.Compatible(a.LockLevel, b.LockLevel) {
				continue
			}
			ka, errA := resource.Parse(a.ResourceID)
			kb, errB := resource.Parse(b.ResourceID)
			if errA != nil || errB != nil || resource.Overlap(ka, kb) != resource.ExtentNone {
				continue
			}
			if pred(a, b) {
				found = append(found, candidate{a, b})
			}
		}
	}

	now := d.clock.Now()
	var raised []models.Conflict
	d.mu.Lock()
	for _, f := range found {
		key := pairKey(f.a.ID, f.b.ID)
		if _, ok := d.pairs[key]; ok {
			continue
		}
		c := &models.Conflict{
			ID:                  uuid.New().String(),
			Type:                models.ConflictResourceOverlap,
			AgentsInvolved:      []string{f.a.AgentID, f.b.AgentID},
			Resources:           []string{f.a.ResourceID, f.b.ResourceID},
			LockIDs:             []string{f.a.ID, f.b.ID},
			Severity:            Severity(f.a.LockLevel, f.b.LockLevel, resource.ExtentFull),
			SuggestedResolution: "coordinate edits to shared symbols",
			DetectedAt:          now,
		}
		d.conflicts[c.ID] = c
		d.order = append(d.order, c.ID)
		d.pairs[key] = c.ID
		raised = append(raised, clone(c))
	}
	d.mu.Unlock()

	events := make([]Event, 0, len(raised))
	for _, c := range raised {
		d.append(c.AgentsInvolved[0], "conflict.semantic", c.Resources[0], models.LogWarning,
			fmt.Sprintf("%s and %s touch the same symbols (%s, %s)", c.AgentsInvolved[0], c.AgentsInvolved[1], c.Resources[0], c.Resources[1]))
		events = append(events, Event{Kind: EventRaised, Conflict: c})
	}
	d.notify(events)
	return raised
}

// SweepEscalations escalates negotiated conflicts that received no decision
// within the negotiate timeout. They stay open and visible.
func (d *Detector) SweepEscalations(now time.Time) []models.Conflict {
	var escalated []models.Conflict
	d.mu.Lock()
	timeout := d.opts.NegotiateTimeout
	for _, id := range d.order {
		c := d.conflicts[id]
		if c.Resolved || c.Escalated || c.Strategy != models.StrategyNegotiate {
			continue
		}
		if now.Sub(c.DetectedAt) < timeout {
			continue
		}
		c.Escalated = true
		c.Severity = models.SeverityHigh
		escalated = append(escalated, clone(c))
	}
	d.mu.Unlock()

	events := make([]Event, 0, len(escalated))
	for _, c := range escalated {
		esc := &errors.ConflictEscalation{ConflictID: c.ID, Since: c.DetectedAt, Waited: now.Sub(c.DetectedAt)}
		d.append(firstAgent(c), "conflict.escalated", firstResource(c), models.LogWarning, esc.Error())
		d.logger.Warn("conflict escalated", "conflict", c.ID, "waited", esc.Waited)
		events = append(events, Event{Kind: EventEscalated, Conflict: c})
	}
	d.notify(events)
	return escalated
}

// Get returns one conflict.
func (d *Detector) Get(id string) (models.Conflict, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.conflicts[id]
	if !ok {
		return models.Conflict{}, false
	}
	return clone(c), true
}

// List returns conflicts in detection order.
func (d *Detector) List(f Filter) []models.Conflict {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []models.Conflict
	for _, id := range d.order {
		c := d.conflicts[id]
		if f.Unresolved && c.Resolved {
			continue
		}
		if f.Type != "" && c.Type != f.Type {
			continue
		}
		if f.AgentID != "" && !contains(c.AgentsInvolved, f.AgentID) {
			continue
		}
		out = append(out, clone(c))
	}
	return out
}

// Restore loads persisted conflicts into an empty detector.
func (d *Detector) Restore(conflicts []models.Conflict) {
	sorted := append([]models.Conflict(nil), conflicts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].DetectedAt.Before(sorted[j].DetectedAt) })

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range sorted {
		c := clone(&sorted[i])
		if _, ok := d.conflicts[c.ID]; ok {
			continue
		}
		d.conflicts[c.ID] = &c
		d.order = append(d.order, c.ID)
		if c.Resolved {
			continue
		}
		switch {
		case c.Type == models.ConflictStaleLock && len(c.AgentsInvolved) > 0:
			d.stale[c.AgentsInvolved[0]] = c.ID
		case c.Type == models.ConflictResourceOverlap && c.Strategy == "" && len(c.LockIDs) == 2:
			d.pairs[pairKey(c.LockIDs[0], c.LockIDs[1])] = c.ID
		case c.Type == models.ConflictResourceOverlap && len(c.LockIDs) > 0:
			d.byLock[c.LockIDs[0]] = c.ID
		}
	}
}

func (d *Detector) resolveLocked(c *models.Conflict, resolution string, now time.Time) {
	at := now
	c.Resolved = true
	c.Resolution = resolution
	c.ResolvedAt = &at
}

func (d *Detector) dropIndexes(c *models.Conflict) {
	for lockID, id := range d.byLock {
		if id == c.ID {
			delete(d.byLock, lockID)
		}
	}
	for agent, id := range d.stale {
		if id == c.ID {
			delete(d.stale, agent)
		}
	}
	for pair, id := range d.pairs {
		if id == c.ID {
			delete(d.pairs, pair)
		}
	}
}

func (d *Detector) append(agentID, action, res string, st models.LogStatus, msg string) {
	if d.log != nil {
		d.log.Append(agentID, action, res, st, msg)
	}
}

func clone(c *models.Conflict) models.Conflict {
	out := *c
	out.AgentsInvolved = append([]string(nil), c.AgentsInvolved...)
	out.Resources = append([]string(nil), c.Resources...)
	out.LockIDs = append([]string(nil), c.LockIDs...)
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func appendUnique(list []string, v string) []string {
	if contains(list, v) {
		return list
	}
	return append(list, v)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func firstAgent(c models.Conflict) string {
	if len(c.AgentsInvolved) > 0 {
		return c.AgentsInvolved[0]
	}
	return ""
}

func firstResource(c models.Conflict) string {
	if len(c.Resources) > 0 {
		return c.Resources[0]
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
