// Package controlplane wires the coordinator components together and exposes
// them over HTTP and WebSocket.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/lockwarden/internal/agents"
	"github.com/fentz26/lockwarden/internal/audit"
	"github.com/fentz26/lockwarden/internal/clock"
	"github.com/fentz26/lockwarden/internal/config"
	"github.com/fentz26/lockwarden/internal/conflict"
	"github.com/fentz26/lockwarden/internal/events"
	"github.com/fentz26/lockwarden/internal/locks"
	"github.com/fentz26/lockwarden/internal/models"
	lwotel "github.com/fentz26/lockwarden/internal/otel"
	"github.com/fentz26/lockwarden/internal/routing"
	"github.com/fentz26/lockwarden/internal/store"
	"github.com/fentz26/lockwarden/internal/tasks"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Version is reported by /health.
const Version = "0.3.0"

// Options configures a Service. Zero values select defaults; Store, Bus and
// Telemetry are optional.
type Options struct {
	Clock     clock.Clock
	Store     *store.Store
	Bus       *events.Bus
	Router    *routing.Router
	Telemetry *lwotel.Provider
	Logger    *slog.Logger

	Locks     locks.Options
	Conflicts conflict.Options
	Agents    agents.Options

	// ActivityRetention bounds how many activity entries are restored and
	// kept in the store.
	ActivityRetention int
	// LockRetention is how long terminal locks stay in the store.
	LockRetention time.Duration
}

// Service is the coordinator facade. Every mutation goes through one of the
// owning components; the service only adds persistence, events and
// telemetry around them.
type Service struct {
	clock   clock.Clock
	logger  *slog.Logger
	started time.Time

	log       *audit.Log
	locks     *locks.Manager
	conflicts *conflict.Detector
	agents    *agents.Registry
	tasks     *tasks.Coordinator
	router    *routing.Router
	store     *store.Store
	bus       *events.Bus

	tracer  trace.Tracer
	metrics *lwotel.Metrics

	retention     int
	lockRetention time.Duration

	persistMu sync.Mutex
	persisted int64 // last activity id written to the store
}

// NewService builds and wires every coordinator component.
func NewService(opts Options) (*Service, error) {
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}
	router := opts.Router
	if router == nil {
		router = routing.NewRouter(nil)
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = lwotel.Noop()
	}
	metrics, err := lwotel.NewMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	if opts.LockRetention <= 0 {
		opts.LockRetention = 24 * time.Hour
	}

	opts.Locks.Logger = logger
	opts.Conflicts.Logger = logger
	opts.Agents.Logger = logger

	log := audit.NewLog(c)
	log.SetPublisher(bus)

	lm := locks.New(c, log, opts.Locks)
	reg := agents.NewRegistry(c, log, opts.Agents)
	reg.SetReclaimer(lm)
	lm.Subscribe(reg.OnLockEvent)

	det := conflict.New(c, log, lm, reg, opts.Conflicts)
	co := tasks.New(c, log, lm, reg, det, tasks.Options{Logger: logger})
	co.SetInferer(router)

	s := &Service{
		clock:         c,
		logger:        logger.With("component", "controlplane"),
		started:       c.Now(),
		log:           log,
		locks:         lm,
		conflicts:     det,
		agents:        reg,
		tasks:         co,
		router:        router,
		store:         opts.Store,
		bus:           bus,
		tracer:        tel.Tracer,
		metrics:       metrics,
		retention:     opts.ActivityRetention,
		lockRetention: opts.LockRetention,
	}

	lm.Subscribe(s.onLockEvent)
	det.Subscribe(s.onConflictEvent)
	co.Subscribe(s.onTaskEvent)
	reg.Subscribe(s.onAgentChange)
	return s, nil
}

// Bus returns the event bus the service publishes on.
func (s *Service) Bus() *events.Bus { return s.bus }

// Router returns the capability router.
func (s *Service) Router() *routing.Router { return s.router }

// Store returns the attached store, or nil.
func (s *Service) Store() *store.Store { return s.store }

// ApplyConfig pushes the hot-reloadable settings into the components.
func (s *Service) ApplyConfig(cfg *config.Config) error {
	if err := s.conflicts.SetDefaultStrategy(models.Strategy(cfg.Conflicts.DefaultStrategy)); err != nil {
		return err
	}
	s.conflicts.SetTimeouts(cfg.Conflicts.NegotiateTimeout, cfg.Conflicts.StaleGrace)
	s.agents.SetHeartbeatTimeout(cfg.Agents.HeartbeatTimeout)
	s.locks.SetFairAdmission(cfg.Locks.FairAdmission)
	return nil
}

// --- event fan-out ---

func (s *Service) onLockEvent(ev locks.Event) {
	ctx := context.Background()
	topic := ""
	switch ev.Kind {
	case locks.EventGranted:
		topic = events.TopicLockGranted
		var wait time.Duration
		if ev.Lock.AcquiredAt != nil {
			wait = ev.Lock.AcquiredAt.Sub(ev.Lock.RequestedAt)
		}
		s.metrics.RecordGrant(ctx, wait)
	case locks.EventQueued:
		topic = events.TopicLockQueued
	case locks.EventDenied:
		topic = events.TopicLockDenied
	case locks.EventReleased, locks.EventReclaimed:
		topic = events.TopicLockReleased
	case locks.EventExpired:
		topic = events.TopicLockExpired
	case locks.EventCancelled:
		topic = events.TopicLockCancelled
	case locks.EventSplit:
		topic = events.TopicLockSplit
		s.metrics.RecordSplit(ctx, len(ev.Replaced))
	case locks.EventRenewed:
		topic = events.TopicLockRenewed
	default:
		return
	}
	switch ev.Kind {
	case locks.EventReleased, locks.EventReclaimed, locks.EventExpired:
		if ev.Lock.AcquiredAt != nil {
			s.metrics.RecordEnd(ctx, string(ev.Kind))
		}
	}
	s.bus.Publish(topic, ev)
}

func (s *Service) onConflictEvent(ev conflict.Event) {
	switch ev.Kind {
	case conflict.EventRaised:
		s.metrics.RecordConflict(context.Background(), string(ev.Conflict.Type), string(ev.Conflict.Severity))
		s.bus.Publish(events.TopicConflictRaised, ev.Conflict)
	case conflict.EventResolved:
		s.bus.Publish(events.TopicConflictResolved, ev.Conflict)
	case conflict.EventEscalated:
		s.bus.Publish(events.TopicConflictEscalated, ev.Conflict)
	}
}

func (s *Service) onTaskEvent(ev tasks.Event) {
	if ev.Task.Status.Terminal() {
		s.metrics.RecordTask(context.Background(), string(ev.Task.Status), ev.Task.ActualDuration)
	}
	s.bus.Publish(events.TopicTaskStatus, ev)
}

func (s *Service) onAgentChange(ch agents.Change) {
	s.bus.Publish(events.TopicAgentStatus, ch)
}

func (s *Service) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return lwotel.StartSpan(ctx, s.tracer, name, attrs...)
}

// --- Lock operations ---

// RequestLock registers unknown agents on first contact and asks the Lock
// Manager for a lock.
func (s *Service) RequestLock(ctx context.Context, req locks.Request) (res locks.Result, err error) {
	_, span := s.span(ctx, "lock.request",
		lwotel.AttrAgentID.String(req.AgentID), lwotel.AttrResource.String(req.ResourceID))
	defer func() { lwotel.End(span, err) }()

	if req.AgentID != "" {
		if _, err := s.agents.Ensure(req.AgentID); err != nil {
			return locks.Result{}, err
		}
		_, _ = s.agents.Heartbeat(req.AgentID)
	}
	res, err = s.locks.Request(req)
	if err != nil {
		s.metrics.RecordRequest(ctx, "invalid")
		return res, err
	}
	s.metrics.RecordRequest(ctx, string(res.Outcome))
	span.SetAttributes(lwotel.AttrLockID.String(res.Lock.ID), lwotel.AttrOutcome.String(string(res.Outcome)))
	return res, nil
}

// ReleaseLock releases an active lock or withdraws a waiting one.
func (s *Service) ReleaseLock(ctx context.Context, agentID, lockID string) (res locks.ReleaseResult, err error) {
	_, span := s.span(ctx, "lock.release", lwotel.AttrAgentID.String(agentID), lwotel.AttrLockID.String(lockID))
	defer func() { lwotel.End(span, err) }()
	return s.locks.Release(agentID, lockID)
}

// RenewLock extends a lease by extra, or by the lock's TTL when extra is zero.
func (s *Service) RenewLock(ctx context.Context, agentID, lockID string, extra time.Duration) (l models.Lock, err error) {
	_, span := s.span(ctx, "lock.renew", lwotel.AttrAgentID.String(agentID), lwotel.AttrLockID.String(lockID))
	defer func() { lwotel.End(span, err) }()
	return s.locks.Renew(agentID, lockID, extra)
}

// CancelLock withdraws a waiting request.
func (s *Service) CancelLock(ctx context.Context, agentID, lockID string) (l models.Lock, err error) {
	_, span := s.span(ctx, "lock.cancel", lwotel.AttrAgentID.String(agentID), lwotel.AttrLockID.String(lockID))
	defer func() { lwotel.End(span, err) }()
	return s.locks.Cancel(agentID, lockID)
}

func (s *Service) GetLock(id string) (models.Lock, bool) { return s.locks.Get(id) }

// ListLocks returns live locks, or every lock including terminal ones
// when all is set.
func (s *Service) ListLocks(f locks.Filter, all bool) []models.Lock {
	if all || (f.Status != "" && f.Status.Terminal()) {
		return s.locks.List(f)
	}
	return s.locks.Live(f)
}

func (s *Service) LockQueue(resourceID string) ([]models.Lock, error) {
	return s.locks.Queue(resourceID)
}

// --- Agent operations ---

func (s *Service) RegisterAgent(ctx context.Context, id string, capabilities []string) (a models.Agent, err error) {
	_, span := s.span(ctx, "agent.register", lwotel.AttrAgentID.String(id))
	defer func() { lwotel.End(span, err) }()
	return s.agents.Register(id, capabilities)
}

func (s *Service) Heartbeat(id string) (models.Agent, error) { return s.agents.Heartbeat(id) }

// ReportAgentError puts the agent in the error state and reclaims its locks.
func (s *Service) ReportAgentError(ctx context.Context, id, reason string) (a models.Agent, err error) {
	_, span := s.span(ctx, "agent.error", lwotel.AttrAgentID.String(id))
	defer func() { lwotel.End(span, err) }()
	return s.agents.ReportError(id, reason)
}

func (s *Service) RecoverAgent(id string) (models.Agent, error) { return s.agents.Recover(id) }

func (s *Service) GetAgent(id string) (models.Agent, bool) { return s.agents.Get(id) }

func (s *Service) ListAgents() []models.Agent { return s.agents.List() }

// --- Task operations ---

func (s *Service) SubmitTask(ctx context.Context, spec tasks.Spec) (t models.Task, err error) {
	_, span := s.span(ctx, "task.submit", lwotel.AttrTaskID.String(spec.ID))
	defer func() { lwotel.End(span, err) }()
	t, err = s.tasks.Submit(spec)
	if err == nil {
		span.SetAttributes(lwotel.AttrTaskID.String(t.ID))
	}
	return t, err
}

func (s *Service) AssignTask(ctx context.Context, taskID string, agentIDs []string) (t models.Task, err error) {
	_, span := s.span(ctx, "task.assign", lwotel.AttrTaskID.String(taskID))
	defer func() { lwotel.End(span, err) }()
	return s.tasks.Assign(taskID, agentIDs)
}

func (s *Service) StartTask(ctx context.Context, taskID string) (res tasks.StartResult, err error) {
	_, span := s.span(ctx, "task.start", lwotel.AttrTaskID.String(taskID))
	defer func() { lwotel.End(span, err) }()
	res, err = s.tasks.Start(taskID)
	if err == nil {
		span.SetAttributes(lwotel.AttrOutcome.String(string(res.Status)))
	}
	return res, err
}

func (s *Service) CompleteTask(ctx context.Context, taskID string, outcome tasks.Outcome) (t models.Task, err error) {
	_, span := s.span(ctx, "task.complete", lwotel.AttrTaskID.String(taskID))
	defer func() { lwotel.End(span, err) }()
	return s.tasks.Complete(taskID, outcome)
}

func (s *Service) UpdateProgress(taskID string, pct int) (models.Task, error) {
	return s.tasks.UpdateProgress(taskID, pct)
}

func (s *Service) GetTask(id string) (models.Task, bool) { return s.tasks.Get(id) }

func (s *Service) ListTasks(f tasks.Filter) []models.Task { return s.tasks.List(f) }

// Dispatch assigns ready tasks to idle capable agents and starts them.
func (s *Service) Dispatch(limit int) []tasks.StartResult { return s.tasks.Dispatch(limit) }

// --- Conflict operations ---

func (s *Service) ListConflicts(f conflict.Filter) []models.Conflict { return s.conflicts.List(f) }

func (s *Service) GetConflict(id string) (models.Conflict, bool) { return s.conflicts.Get(id) }

func (s *Service) ResolveConflict(ctx context.Context, id string, decision conflict.Decision, note string) (c models.Conflict, err error) {
	_, span := s.span(ctx, "conflict.resolve", lwotel.AttrConflictID.String(id))
	defer func() { lwotel.End(span, err) }()
	return s.conflicts.Resolve(id, decision, note)
}

// Strategies lists the registered resolution strategies.
func (s *Service) Strategies() []models.Strategy { return s.conflicts.Strategies() }

// --- Activity ---

// Activity returns entries after afterID, oldest first, at most limit.
// With afterID zero it returns the most recent limit entries.
func (s *Service) Activity(afterID int64, limit int) []models.ActivityEntry {
	if limit <= 0 {
		limit = 100
	}
	if afterID <= 0 {
		return s.log.Recent(limit)
	}
	out := []models.ActivityEntry{}
	for e := range s.log.Since(afterID) {
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

// --- Timer-driven sweeps ---

// Reap expires overdue leases and wait deadlines.
func (s *Service) Reap() []models.Lock { return s.locks.Reap() }

func (s *Service) SweepHeartbeats() []string { return s.agents.SweepHeartbeats(s.clock.Now()) }

func (s *Service) SweepStale() []models.Conflict { return s.conflicts.SweepStale(s.clock.Now()) }

func (s *Service) SweepEscalations() []models.Conflict {
	return s.conflicts.SweepEscalations(s.clock.Now())
}

func (s *Service) SweepSemantic() []models.Conflict { return s.conflicts.SweepSemantic() }

// RecordSweep records how long a timer pass took.
func (s *Service) RecordSweep(ctx context.Context, name string, d time.Duration) {
	s.metrics.RecordSweep(ctx, name, d)
}

// --- Views ---

// Stats summarises coordinator state.
type Stats struct {
	Locks            locks.Stats                `json:"locks"`
	Tasks            map[models.TaskStatus]int  `json:"tasks"`
	Agents           map[models.AgentStatus]int `json:"agents"`
	InactiveAgents   int                        `json:"inactive_agents"`
	OpenConflicts    int                        `json:"open_conflicts"`
	ActivityEntries  int                        `json:"activity_entries"`
	EventSubscribers int                        `json:"event_subscribers"`
	Uptime           string                     `json:"uptime"`
}

func (s *Service) Stats() Stats {
	st := Stats{
		Locks:            s.locks.Stats(),
		Tasks:            s.tasks.Counts(),
		Agents:           make(map[models.AgentStatus]int),
		OpenConflicts:    len(s.conflicts.List(conflict.Filter{Unresolved: true})),
		ActivityEntries:  s.log.Len(),
		EventSubscribers: s.bus.SubscriberCount(),
		Uptime:           s.clock.Now().Sub(s.started).Round(time.Second).String(),
	}
	for _, a := range s.agents.List() {
		st.Agents[a.Status]++
		if a.Inactive {
			st.InactiveAgents++
		}
	}
	return st
}

// View is the bounded dashboard snapshot: live locks, unresolved conflicts
// and the most recent activity.
type View struct {
	TakenAt   time.Time              `json:"taken_at"`
	Agents    []models.Agent         `json:"agents"`
	Locks     []LockView             `json:"locks"`
	Tasks     []models.Task          `json:"tasks"`
	Conflicts []models.Conflict      `json:"conflicts"`
	Activity  []models.ActivityEntry `json:"activity"`
}

// LockView adds the derived status indicator to a lock.
type LockView struct {
	models.Lock
	Indicator models.LockIndicator `json:"indicator"`
}

func lockViews(ls []models.Lock) []LockView {
	out := make([]LockView, len(ls))
	for i, l := range ls {
		out[i] = LockView{Lock: l, Indicator: l.Indicator()}
	}
	return out
}

func (s *Service) View(activity int) View {
	if activity <= 0 {
		activity = 50
	}
	return View{
		TakenAt:   s.clock.Now().UTC(),
		Agents:    nonNil(s.agents.List()),
		Locks:     lockViews(s.locks.Live(locks.Filter{})),
		Tasks:     nonNil(s.tasks.List(tasks.Filter{})),
		Conflicts: nonNil(s.conflicts.List(conflict.Filter{Unresolved: true})),
		Activity:  nonNil(s.log.Recent(activity)),
	}
}

// Snapshot copies the complete state, terminal locks and resolved
// conflicts included.
func (s *Service) Snapshot() models.Snapshot {
	snap := s.state()
	for e := range s.log.Entries(audit.OldestFirst) {
		snap.Activity = append(snap.Activity, e)
	}
	return snap
}

func (s *Service) state() models.Snapshot {
	return models.Snapshot{
		TakenAt:   s.clock.Now().UTC(),
		Agents:    nonNil(s.agents.List()),
		Locks:     nonNil(s.locks.List(locks.Filter{})),
		Tasks:     nonNil(s.tasks.List(tasks.Filter{})),
		Conflicts: nonNil(s.conflicts.List(conflict.Filter{})),
		Activity:  []models.ActivityEntry{},
	}
}

// Restore loads a snapshot into a freshly built service. Held and waiting
// sets are recomputed from the lock table rather than trusted.
func (s *Service) Restore(snap models.Snapshot) error {
	s.log.Restore(snap.Activity)
	if err := s.locks.Restore(snap.Locks); err != nil {
		return err
	}

	held := make(map[string][]string)
	waiting := make(map[string][]string)
	for _, l := range snap.Locks {
		switch l.Status {
		case models.LockStatusActive:
			held[l.AgentID] = append(held[l.AgentID], l.ID)
		case models.LockStatusWaiting:
			waiting[l.AgentID] = append(waiting[l.AgentID], l.ID)
		}
	}
	agentList := make([]models.Agent, len(snap.Agents))
	for i, a := range snap.Agents {
		a.HeldLocks, a.Waiting = held[a.ID], waiting[a.ID]
		agentList[i] = a
	}
	s.agents.Restore(agentList)
	s.conflicts.Restore(snap.Conflicts)
	s.tasks.Restore(snap.Tasks)

	s.persistMu.Lock()
	if n := len(snap.Activity); n > 0 {
		s.persisted = snap.Activity[n-1].ID
	}
	s.persistMu.Unlock()

	s.logger.Info("state restored",
		"agents", len(snap.Agents), "locks", len(snap.Locks), "tasks", len(snap.Tasks),
		"conflicts", len(snap.Conflicts), "activity", len(snap.Activity))
	return nil
}

// Load restores state from the attached store.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	snap, err := s.store.LoadSnapshot(ctx, s.retention)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	return s.Restore(snap)
}

// Persist writes current state to the attached store. Activity is written
// incrementally.
func (s *Service) Persist(ctx context.Context) (err error) {
	if s.store == nil {
		return nil
	}
	ctx, span := s.span(ctx, "store.persist")
	defer func() { lwotel.End(span, err) }()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	snap := s.state()
	for e := range s.log.Since(s.persisted) {
		snap.Activity = append(snap.Activity, e)
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if n := len(snap.Activity); n > 0 {
		s.persisted = snap.Activity[n-1].ID
	}
	return nil
}

// Prune drops old terminal locks and trims the stored activity log.
func (s *Service) Prune(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	locksGone, err := s.store.PruneLocks(ctx, s.clock.Now().Add(-s.lockRetention))
	if err != nil {
		return fmt.Errorf("prune locks: %w", err)
	}
	var trimmed int64
	if s.retention > 0 {
		if trimmed, err = s.store.TrimActivity(ctx, s.retention); err != nil {
			return fmt.Errorf("trim activity: %w", err)
		}
	}
	if locksGone > 0 || trimmed > 0 {
		s.logger.Info("store pruned", "locks", locksGone, "activity", trimmed)
	}
	return nil
}

// Ping checks the store, if any.
func (s *Service) Ping(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Ping(ctx)
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// sortedStrategies is used by /routing and the CLI.
func sortedStrategies(in []models.Strategy) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	sort.Strings(out)
	return out
}
