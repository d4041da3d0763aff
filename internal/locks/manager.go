// Package locks implements the Lock Manager: the sole owner of the
// resource -> holders/waiters table.
package locks

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/lockwarden/internal/audit"
	"github.com/fentz26/lockwarden/internal/clock"
	"github.com/fentz26/lockwarden/internal/errors"
	"github.com/fentz26/lockwarden/internal/models"
	"github.com/fentz26/lockwarden/internal/resource"
	"github.com/google/uuid"
)

// Options configures a Manager.
type Options struct {
	// DefaultTTL applies when a request carries no TTL.
	DefaultTTL time.Duration
	// MaxTTL caps requested and renewed leases. Zero disables the cap.
	MaxTTL time.Duration
	// FairAdmission queues a new request behind an overlapping, incompatible
	// waiter of equal or higher priority even if the active set would allow it.
	FairAdmission bool
	// StrictInvariants panics when the exclusivity invariant is broken.
	StrictInvariants bool
	Logger           *slog.Logger
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		DefaultTTL: 5 * time.Minute,
		MaxTTL:     time.Hour,
	}
}

// Manager grants, queues, renews, releases and expires locks.
type Manager struct {
	clock  clock.Clock
	log    *audit.Log
	logger *slog.Logger
	opts   Options
	seq    atomic.Uint64

	// eventSeq stamps events under the family mutex.
	eventSeq atomic.Uint64

	// mu guards the maps below. Lock order is family.mu before mu.
	mu       sync.RWMutex
	families map[string]*family
	index    map[string]*family
	archive  map[string]models.Lock
	arbiter  Arbiter

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// New creates a Manager.
func New(c clock.Clock, log *audit.Log, opts Options) *Manager {
	if c == nil {
		c = clock.Real{}
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultOptions().DefaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		clock:    c,
		log:      log,
		logger:   logger.With("component", "locks"),
		opts:     opts,
		families: make(map[string]*family),
		index:    make(map[string]*family),
		archive:  make(map[string]models.Lock),
	}
}

// SetArbiter installs the conflict arbiter consulted on contention.
func (m *Manager) SetArbiter(a Arbiter) {
	m.mu.Lock()
	m.arbiter = a
	m.mu.Unlock()
}

// SetFairAdmission toggles fair admission at runtime.
func (m *Manager) SetFairAdmission(on bool) {
	m.mu.Lock()
	m.opts.FairAdmission = on
	m.mu.Unlock()
}

// Subscribe registers a listener for lock transitions.
func (m *Manager) Subscribe(fn func(Event)) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

// publish stamps events while fam.mu is still held, unlocks the family and
// delivers them. Listeners may run concurrently for different operations, so
// they order transitions of one lock by Event.Seq rather than arrival.
func (m *Manager) publish(fam *family, events []Event) {
	for i := range events {
		events[i].Seq = m.eventSeq.Add(1)
	}
	fam.mu.Unlock()
	m.emit(events)
}

func (m *Manager) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	m.listenersMu.RLock()
	listeners := slices.Clone(m.listeners)
	m.listenersMu.RUnlock()
	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// Request asks for a lock. It never blocks on contention: the request is
// granted, queued or denied immediately. Only malformed input is an error.
func (m *Manager) Request(req Request) (Result, error) {
	key, err := m.validate(req)
	if err != nil {
		return Result{}, err
	}

	now := m.clock.Now()
	ttl := m.clampTTL(req.TTL)
	e := &entry{
		key: key,
		seq: m.seq.Add(1),
		lock: models.Lock{
			ID:           uuid.New().String(),
			AgentID:      req.AgentID,
			ResourceID:   key.String(),
			ResourcePath: key.Path,
			LockType:     key.LockType(),
			LockLevel:    req.Level,
			Status:       models.LockStatusWaiting,
			Priority:     req.Priority,
			Intent:       req.Intent,
			Strategy:     req.Strategy,
			TaskID:       req.TaskID,
			Metadata:     copyMeta(req.Metadata),
			Preempt:      req.Preempt,
			TTL:          ttl,
			RequestedAt:  now,
		},
	}

	fam := m.family(key.Family())
	fam.mu.Lock()

	if held := fam.holding(req.AgentID, key, req.Level); held != nil {
		lock := held.lock
		fam.mu.Unlock()
		return Result{Outcome: OutcomeGranted, Lock: lock, Reason: "already held"}, nil
	}

	blockers := fam.blockers(e)
	var ahead *entry
	if len(blockers) == 0 && m.fairAdmission() {
		ahead = fam.waitingAhead(e)
	}

	var events []Event
	var res Result

	if len(blockers) == 0 && ahead == nil {
		fam.activate(e, now)
		m.track(e.lock.ID, fam)
		m.append(e.lock.AgentID, "lock.granted", e.lock.ResourceID, models.LogSuccess,
			fmt.Sprintf("%s lock granted (priority %d)", e.lock.LockLevel, e.lock.Priority))
		m.checkInvariant(fam)
		events = append(events, Event{Kind: EventGranted, Lock: e.lock})
		res = Result{Outcome: OutcomeGranted, Lock: e.lock}
		m.publish(fam, events)
		return res, nil
	}

	decision := Decision{Action: ActionQueue}
	if others := foreign(blockers, e); len(others) > 0 {
		if arb := m.currentArbiter(); arb != nil {
			decision = arb.Arbitrate(Contention{Request: e.lock, Blockers: others})
		}
	}
	res.ConflictID = decision.ConflictID
	res.Blockers = lockList(blockers)
	if ahead != nil {
		res.Blockers = append(res.Blockers, ahead.lock)
	}

	switch decision.Action {
	case ActionDeny:
		end := now
		e.lock.Status = models.LockStatusReleased
		e.lock.EndedAt = &end
		e.lock.EndReason = "denied"
		m.archiveLock(e.lock)
		m.append(e.lock.AgentID, "lock.denied", e.lock.ResourceID, models.LogFailure,
			withNote(fmt.Sprintf("%s lock denied: held by %s", e.lock.LockLevel, holders(blockers)), decision.Note))
		events = append(events, Event{Kind: EventDenied, Lock: e.lock, Reason: decision.Note})
		res.Outcome, res.Lock, res.Reason = OutcomeDenied, e.lock, decision.Note
		m.publish(fam, events)
		return res, nil

	case ActionSplit:
		if replaced, ok := m.applySplit(fam, e, decision.Splits, now); ok {
			fam.activate(e, now)
			m.track(e.lock.ID, fam)
			m.append(e.lock.AgentID, "lock.split", e.lock.ResourceID, models.LogSuccess,
				withNote(fmt.Sprintf("%s lock granted after splitting %s", e.lock.LockLevel, splitSummary(replaced)), decision.Note))
			m.checkInvariant(fam)
			for _, r := range replaced {
				events = append(events, Event{Kind: EventSplit, Lock: r.old, Replaced: r.fine})
			}
			events = append(events, Event{Kind: EventGranted, Lock: e.lock, Reason: "merge"})
			res.Outcome, res.Lock = OutcomeGranted, e.lock
			m.publish(fam, events)
			return res, nil
		}
	case ActionHold:
		e.lock.Held = true
	}

	if req.WaitTimeout > 0 {
		deadline := now.Add(req.WaitTimeout)
		e.lock.WaitDeadline = &deadline
	}
	fam.enqueue(e)
	m.track(e.lock.ID, fam)
	msg := fmt.Sprintf("%s lock queued at position %d behind %s (priority %d)",
		e.lock.LockLevel, fam.position(e.lock.ID)+1, holders(blockers, ahead), e.lock.Priority)
	m.append(e.lock.AgentID, "lock.queued", e.lock.ResourceID, models.LogSuccess, withNote(msg, decision.Note))
	events = append(events, Event{Kind: EventQueued, Lock: e.lock, Reason: decision.Note})
	res.Outcome, res.Lock, res.Reason = OutcomeQueued, e.lock, decision.Note
	m.publish(fam, events)
	return res, nil
}

// Release frees an active lock, or withdraws a waiting one, owned by
// agentID and promotes waiters in the same step. Releasing an unknown or
// already terminal lock returns an OwnershipError wrapping ErrLockNotFound.
func (m *Manager) Release(agentID, lockID string) (ReleaseResult, error) {
	fam, archived, ok := m.lookup(lockID)
	if !ok {
		return ReleaseResult{}, m.ownershipFailure("release", lockID, agentID, "", errors.ErrLockNotFound, "")
	}
	if fam == nil {
		return ReleaseResult{}, m.terminalFailure("release", archived, agentID)
	}

	fam.mu.Lock()
	e := fam.find(lockID)
	if e == nil {
		fam.mu.Unlock()
		// ended between lookup and lock
		return m.Release(agentID, lockID)
	}
	if e.lock.AgentID != agentID {
		owner := e.lock.AgentID
		fam.mu.Unlock()
		return ReleaseResult{}, m.ownershipFailure("release", lockID, agentID, owner, errors.ErrNotOwner, e.lock.ResourceID)
	}

	now := m.clock.Now()
	var events []Event
	if e.lock.Status == models.LockStatusWaiting {
		fam.dequeue(lockID)
		m.end(e, models.LockStatusReleased, "withdrawn", now)
		promoted := fam.promote(now)
		m.trackAll(promoted, fam)
		m.append(agentID, "lock.cancelled", e.lock.ResourceID, models.LogSuccess,
			withPromotions("waiting request withdrawn", promoted))
		events = append(events, Event{Kind: EventCancelled, Lock: e.lock})
		events = appendGrants(events, promoted)
		m.publish(fam, events)
		return ReleaseResult{Lock: e.lock, Promoted: lockList(promoted)}, nil
	}

	delete(fam.active, lockID)
	m.end(e, models.LockStatusReleased, "released", now)
	promoted := fam.promote(now)
	m.trackAll(promoted, fam)
	if len(promoted) > 0 {
		m.append(promoted[0].lock.AgentID, "lock.promoted", e.lock.ResourceID, models.LogSuccess,
			fmt.Sprintf("released by %s; %s", agentID, describePromotions(promoted)))
	} else {
		m.append(agentID, "lock.released", e.lock.ResourceID, models.LogSuccess,
			fmt.Sprintf("%s lock released", e.lock.LockLevel))
	}
	m.checkInvariant(fam)
	events = append(events, Event{Kind: EventReleased, Lock: e.lock})
	events = appendGrants(events, promoted)
	m.publish(fam, events)
	return ReleaseResult{Lock: e.lock, Promoted: lockList(promoted)}, nil
}

// Renew extends an active lock's lease by extra (its TTL when extra is not
// positive). Renewing a lock whose lease already passed reclaims it and
// returns ErrLockExpired.
func (m *Manager) Renew(agentID, lockID string, extra time.Duration) (models.Lock, error) {
	fam, archived, ok := m.lookup(lockID)
	if !ok {
		return models.Lock{}, m.ownershipFailure("renew", lockID, agentID, "", errors.ErrLockNotFound, "")
	}
	if fam == nil {
		if archived.AgentID == agentID && archived.Status == models.LockStatusExpired {
			m.append(agentID, "lock.renew", archived.ResourceID, models.LogFailure, "renew after expiry")
			return archived, fmt.Errorf("renew lock %s: %w", lockID, errors.ErrLockExpired)
		}
		return models.Lock{}, m.terminalFailure("renew", archived, agentID)
	}

	fam.mu.Lock()
	e := fam.find(lockID)
	if e == nil {
		fam.mu.Unlock()
		return m.Renew(agentID, lockID, extra)
	}
	if e.lock.AgentID != agentID {
		owner := e.lock.AgentID
		fam.mu.Unlock()
		return models.Lock{}, m.ownershipFailure("renew", lockID, agentID, owner, errors.ErrNotOwner, e.lock.ResourceID)
	}
	if e.lock.Status != models.LockStatusActive {
		fam.mu.Unlock()
		return models.Lock{}, errors.NewValidationError("lock", lockID, errors.ErrLockNotActive)
	}

	now := m.clock.Now()
	if !now.Before(*e.lock.ExpiresAt) {
		events := m.expireLocked(fam, []*entry{e}, nil, now)
		m.publish(fam, events)
		return e.lock, fmt.Errorf("renew lock %s: %w", lockID, errors.ErrLockExpired)
	}

	if extra <= 0 {
		extra = e.lock.TTL
	}
	expires := e.lock.ExpiresAt.Add(extra)
	if m.opts.MaxTTL > 0 && expires.After(now.Add(m.opts.MaxTTL)) {
		expires = now.Add(m.opts.MaxTTL)
	}
	e.lock.ExpiresAt = &expires
	lock := e.lock
	m.append(agentID, "lock.renewed", lock.ResourceID, models.LogSuccess,
		fmt.Sprintf("lease extended to %s", expires.UTC().Format(time.RFC3339)))
	m.publish(fam, []Event{{Kind: EventRenewed, Lock: lock}})
	return lock, nil
}

// Cancel withdraws a waiting request. Active locks can only be released.
func (m *Manager) Cancel(agentID, lockID string) (models.Lock, error) {
	fam, archived, ok := m.lookup(lockID)
	if !ok {
		return models.Lock{}, m.ownershipFailure("cancel", lockID, agentID, "", errors.ErrLockNotFound, "")
	}
	if fam == nil {
		return models.Lock{}, m.terminalFailure("cancel", archived, agentID)
	}

	fam.mu.Lock()
	e := fam.find(lockID)
	if e == nil {
		fam.mu.Unlock()
		return m.Cancel(agentID, lockID)
	}
	if e.lock.AgentID != agentID {
		owner := e.lock.AgentID
		fam.mu.Unlock()
		return models.Lock{}, m.ownershipFailure("cancel", lockID, agentID, owner, errors.ErrNotOwner, e.lock.ResourceID)
	}
	if e.lock.Status != models.LockStatusWaiting {
		fam.mu.Unlock()
		return models.Lock{}, errors.NewValidationError("lock", lockID, errors.ErrLockNotWaiting)
	}
	events := m.withdrawLocked(fam, e, "cancelled", "lock.cancelled", models.LogSuccess, "waiting request cancelled")
	m.publish(fam, events)
	return e.lock, nil
}

// Withdraw removes a waiting request regardless of owner. It is the abort
// path for negotiated conflicts.
func (m *Manager) Withdraw(lockID, reason string) (models.Lock, error) {
	fam, _, ok := m.lookup(lockID)
	if !ok || fam == nil {
		return models.Lock{}, errors.NewValidationError("lock", lockID, errors.ErrLockNotWaiting)
	}
	fam.mu.Lock()
	e := fam.find(lockID)
	if e == nil || e.lock.Status != models.LockStatusWaiting {
		fam.mu.Unlock()
		return models.Lock{}, errors.NewValidationError("lock", lockID, errors.ErrLockNotWaiting)
	}
	events := m.withdrawLocked(fam, e, reason, "lock.withdrawn", models.LogFailure, "waiting request aborted: "+reason)
	m.publish(fam, events)
	return e.lock, nil
}

// Unhold makes a held waiter eligible for promotion and promotes it if the
// resource is free.
func (m *Manager) Unhold(lockID string) (models.Lock, error) {
	fam, _, ok := m.lookup(lockID)
	if !ok || fam == nil {
		return models.Lock{}, errors.NewValidationError("lock", lockID, errors.ErrLockNotWaiting)
	}
	fam.mu.Lock()
	e := fam.find(lockID)
	if e == nil || e.lock.Status != models.LockStatusWaiting {
		fam.mu.Unlock()
		return models.Lock{}, errors.NewValidationError("lock", lockID, errors.ErrLockNotWaiting)
	}
	e.lock.Held = false
	now := m.clock.Now()
	promoted := fam.promote(now)
	m.trackAll(promoted, fam)
	m.append(e.lock.AgentID, "lock.unheld", e.lock.ResourceID, models.LogSuccess,
		withPromotions("negotiated request released to the queue", promoted))
	m.checkInvariant(fam)
	events := []Event{{Kind: EventUnheld, Lock: e.lock}}
	events = appendGrants(events, promoted)
	lock := e.lock
	m.publish(fam, events)
	return lock, nil
}

// Reap expires active locks whose lease has passed and waiting requests
// whose wait deadline has passed, promoting waiters exactly as Release does.
// It returns the locks it expired.
func (m *Manager) Reap() []models.Lock {
	now := m.clock.Now()
	var expired []models.Lock
	for _, fam := range m.familyList() {
		fam.mu.Lock()
		var leases, waits []*entry
		for _, a := range fam.active {
			if !now.Before(*a.lock.ExpiresAt) {
				leases = append(leases, a)
			}
		}
		for _, w := range fam.queue {
			if w.lock.WaitDeadline != nil && !now.Before(*w.lock.WaitDeadline) {
				waits = append(waits, w)
			}
		}
		if len(leases) == 0 && len(waits) == 0 {
			fam.mu.Unlock()
			continue
		}
		sort.Slice(leases, func(i, j int) bool { return leases[i].seq < leases[j].seq })
		events := m.expireLocked(fam, leases, waits, now)
		for _, ev := range events {
			if ev.Kind == EventExpired {
				expired = append(expired, ev.Lock)
			}
		}
		m.publish(fam, events)
	}
	return expired
}

// ReclaimAgent force-releases every active lock and withdraws every waiting
// request of agentID. It is the reclamation path for faulted or stale agents
// and is equivalent to expiry for queue promotion.
func (m *Manager) ReclaimAgent(agentID, reason string) []models.Lock {
	now := m.clock.Now()
	var reclaimed []models.Lock
	for _, fam := range m.familiesOf(agentID) {
		fam.mu.Lock()
		var mine []*entry
		for _, a := range fam.active {
			if a.lock.AgentID == agentID {
				mine = append(mine, a)
			}
		}
		for _, w := range fam.queue {
			if w.lock.AgentID == agentID {
				mine = append(mine, w)
			}
		}
		if len(mine) == 0 {
			fam.mu.Unlock()
			continue
		}
		sort.Slice(mine, func(i, j int) bool { return mine[i].seq < mine[j].seq })
		var events []Event
		for _, e := range mine {
			if e.lock.Status == models.LockStatusWaiting {
				fam.dequeue(e.lock.ID)
			} else {
				delete(fam.active, e.lock.ID)
			}
			m.end(e, models.LockStatusReleased, reason, now)
		}
		promoted := fam.promote(now)
		m.trackAll(promoted, fam)
		for i, e := range mine {
			msg := fmt.Sprintf("%s lock reclaimed: %s", e.lock.LockLevel, reason)
			if i == len(mine)-1 {
				msg = withPromotions(msg, promoted)
			}
			m.append(agentID, "lock.reclaimed", e.lock.ResourceID, models.LogWarning, msg)
			events = append(events, Event{Kind: EventReclaimed, Lock: e.lock, Reason: reason})
			reclaimed = append(reclaimed, e.lock)
		}
		m.checkInvariant(fam)
		events = appendGrants(events, promoted)
		m.publish(fam, events)
	}
	return reclaimed
}

// Retag hands a live lock to another task of the same agent.
func (m *Manager) Retag(lockID, taskID string) error {
	fam, _, ok := m.lookup(lockID)
	if !ok || fam == nil {
		return errors.NewOwnershipError("retag", lockID, "", errors.ErrLockNotFound)
	}
	fam.mu.Lock()
	defer fam.mu.Unlock()
	e := fam.find(lockID)
	if e == nil {
		return errors.NewOwnershipError("retag", lockID, "", errors.ErrLockNotFound)
	}
	e.lock.TaskID = taskID
	return nil
}

// Get returns a lock, live or terminal.
func (m *Manager) Get(lockID string) (models.Lock, bool) {
	fam, archived, ok := m.lookup(lockID)
	if !ok {
		return models.Lock{}, false
	}
	if fam == nil {
		return archived, true
	}
	fam.mu.Lock()
	e := fam.find(lockID)
	var lock models.Lock
	if e != nil {
		lock = e.lock
	}
	fam.mu.Unlock()
	if e == nil {
		return m.Get(lockID)
	}
	return lock, true
}

// List returns locks matching f, live and terminal, ordered by request time.
func (m *Manager) List(f Filter) []models.Lock {
	var out []models.Lock
	for _, fam := range m.familyList() {
		fam.mu.Lock()
		for _, a := range fam.active {
			if f.match(a.lock) {
				out = append(out, a.lock)
			}
		}
		for _, w := range fam.queue {
			if f.match(w.lock) {
				out = append(out, w.lock)
			}
		}
		fam.mu.Unlock()
	}
	if f.Status == "" || f.Status.Terminal() {
		m.mu.RLock()
		for _, l := range m.archive {
			if f.match(l) {
				out = append(out, l)
			}
		}
		m.mu.RUnlock()
	}
	sortLocks(out)
	return out
}

// Live returns active and waiting locks matching f.
func (m *Manager) Live(f Filter) []models.Lock {
	var out []models.Lock
	for _, fam := range m.familyList() {
		fam.mu.Lock()
		for _, a := range fam.active {
			if f.match(a.lock) {
				out = append(out, a.lock)
			}
		}
		for _, w := range fam.queue {
			if f.match(w.lock) {
				out = append(out, w.lock)
			}
		}
		fam.mu.Unlock()
	}
	sortLocks(out)
	return out
}

// Active returns every active lock.
func (m *Manager) Active() []models.Lock {
	return m.Live(Filter{Status: models.LockStatusActive})
}

// Queue returns the waiters of the resource's family in promotion order.
func (m *Manager) Queue(resourceID string) ([]models.Lock, error) {
	key, err := resource.Parse(resourceID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	fam := m.families[key.Family()]
	m.mu.RUnlock()
	if fam == nil {
		return nil, nil
	}
	fam.mu.Lock()
	defer fam.mu.Unlock()
	return lockList(fam.queue), nil
}

// Stats summarises the lock table.
func (m *Manager) Stats() Stats {
	var s Stats
	for _, fam := range m.familyList() {
		fam.mu.Lock()
		s.Active += len(fam.active)
		s.Waiting += len(fam.queue)
		fam.mu.Unlock()
	}
	m.mu.RLock()
	s.Archived = len(m.archive)
	s.Families = len(m.families)
	m.mu.RUnlock()
	return s
}

// Restore loads persisted locks into an empty manager. Active and waiting
// locks rebuild the tables; terminal ones go to the archive.
func (m *Manager) Restore(locks []models.Lock) error {
	sorted := append([]models.Lock(nil), locks...)
	sortLocks(sorted)
	for _, l := range sorted {
		if l.Status.Terminal() {
			m.archiveLock(l)
			continue
		}
		key, err := resource.Parse(l.ResourceID)
		if err != nil {
			return fmt.Errorf("restore lock %s: %w", l.ID, err)
		}
		e := &entry{lock: l, key: key, seq: m.seq.Add(1)}
		fam := m.family(key.Family())
		fam.mu.Lock()
		switch l.Status {
		case models.LockStatusActive:
			if l.ExpiresAt == nil {
				fam.mu.Unlock()
				return fmt.Errorf("restore lock %s: active lock without expiry", l.ID)
			}
			fam.active[l.ID] = e
		default:
			fam.enqueue(e)
		}
		m.track(l.ID, fam)
		fam.mu.Unlock()
	}
	return nil
}

// --- internals ---

func (m *Manager) validate(req Request) (resource.Key, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return resource.Key{}, errors.NewValidationError("agent_id", "", errors.ErrInvalidArgument).WithReason("agent id is required")
	}
	if !req.Level.Valid() {
		return resource.Key{}, errors.NewValidationError("lock_level", string(req.Level), errors.ErrUnknownLockLevel)
	}
	key, err := resource.Parse(req.ResourceID)
	if err != nil {
		return resource.Key{}, err
	}
	if req.LockType != "" {
		if !req.LockType.Valid() {
			return resource.Key{}, errors.NewValidationError("lock_type", string(req.LockType), errors.ErrUnknownLockType)
		}
		if req.LockType != key.LockType() {
			return resource.Key{}, errors.NewValidationError("lock_type", string(req.LockType), errors.ErrUnknownLockType).
				WithReason("resource %s is a %s key", key, key.LockType())
		}
	}
	if req.TTL < 0 || req.WaitTimeout < 0 {
		return resource.Key{}, errors.NewValidationError("ttl", req.TTL.String(), errors.ErrInvalidArgument).WithReason("durations must not be negative")
	}
	return key, nil
}

func (m *Manager) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = m.opts.DefaultTTL
	}
	if m.opts.MaxTTL > 0 && ttl > m.opts.MaxTTL {
		ttl = m.opts.MaxTTL
	}
	return ttl
}

func (m *Manager) fairAdmission() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts.FairAdmission
}

func (m *Manager) currentArbiter() Arbiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.arbiter
}

func (m *Manager) family(name string) *family {
	m.mu.RLock()
	fam := m.families[name]
	m.mu.RUnlock()
	if fam != nil {
		return fam
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if fam = m.families[name]; fam == nil {
		fam = newFamily(name)
		m.families[name] = fam
	}
	return fam
}

func (m *Manager) familyList() []*family {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*family, 0, len(m.families))
	for _, f := range m.families {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (m *Manager) familiesOf(agentID string) []*family {
	var out []*family
	for _, fam := range m.familyList() {
		fam.mu.Lock()
		found := false
		for _, a := range fam.active {
			if a.lock.AgentID == agentID {
				found = true
				break
			}
		}
		if !found {
			for _, w := range fam.queue {
				if w.lock.AgentID == agentID {
					found = true
					break
				}
			}
		}
		fam.mu.Unlock()
		if found {
			out = append(out, fam)
		}
	}
	return out
}

// lookup finds the family of a live lock, or the archived copy of a
// terminal one.
func (m *Manager) lookup(lockID string) (*family, models.Lock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if fam, ok := m.index[lockID]; ok {
		return fam, models.Lock{}, true
	}
	if l, ok := m.archive[lockID]; ok {
		return nil, l, true
	}
	return nil, models.Lock{}, false
}

func (m *Manager) track(lockID string, fam *family) {
	m.mu.Lock()
	m.index[lockID] = fam
	m.mu.Unlock()
}

func (m *Manager) trackAll(entries []*entry, fam *family) {
	for _, e := range entries {
		m.track(e.lock.ID, fam)
	}
}

func (m *Manager) archiveLock(l models.Lock) {
	m.mu.Lock()
	delete(m.index, l.ID)
	m.archive[l.ID] = l
	m.mu.Unlock()
}

func (m *Manager) end(e *entry, status models.LockStatus, reason string, now time.Time) {
	ended := now
	e.lock.Status = status
	e.lock.EndedAt = &ended
	e.lock.EndReason = reason
	e.lock.Held = false
	m.archiveLock(e.lock)
}

// expireLocked moves expired leases and timed-out waiters to expired, then
// promotes once. One warning entry is written per expired lock; promotions
// are reported on the last one.
func (m *Manager) expireLocked(fam *family, leases, waits []*entry, now time.Time) []Event {
	var events []Event
	for _, e := range leases {
		delete(fam.active, e.lock.ID)
		m.end(e, models.LockStatusExpired, "lease expired", now)
	}
	for _, w := range waits {
		fam.dequeue(w.lock.ID)
		m.end(w, models.LockStatusExpired, "wait timeout", now)
	}
	promoted := fam.promote(now)
	m.trackAll(promoted, fam)

	for i, e := range leases {
		msg := fmt.Sprintf("%s lock expired without release", e.lock.LockLevel)
		if i == len(leases)-1 {
			msg = withPromotions(msg, promoted)
		}
		m.append(e.lock.AgentID, "lock.expired", e.lock.ResourceID, models.LogWarning, msg)
		events = append(events, Event{Kind: EventExpired, Lock: e.lock, Reason: "lease expired"})
	}
	for i, w := range waits {
		msg := fmt.Sprintf("%s request timed out while waiting", w.lock.LockLevel)
		if len(leases) == 0 && i == len(waits)-1 {
			msg = withPromotions(msg, promoted)
		}
		m.append(w.lock.AgentID, "lock.wait_timeout", w.lock.ResourceID, models.LogWarning, msg)
		events = append(events, Event{Kind: EventExpired, Lock: w.lock, Reason: "wait timeout"})
	}
	m.checkInvariant(fam)
	return appendGrants(events, promoted)
}

func (m *Manager) withdrawLocked(fam *family, e *entry, reason, action string, status models.LogStatus, msg string) []Event {
	now := m.clock.Now()
	fam.dequeue(e.lock.ID)
	m.end(e, models.LockStatusReleased, reason, now)
	promoted := fam.promote(now)
	m.trackAll(promoted, fam)
	m.append(e.lock.AgentID, action, e.lock.ResourceID, status, withPromotions(msg, promoted))
	m.checkInvariant(fam)
	events := []Event{{Kind: EventCancelled, Lock: e.lock, Reason: reason}}
	return appendGrants(events, promoted)
}

type splitResult struct {
	old  models.Lock
	fine []models.Lock
}

// applySplit replaces each named blocker with finer locks on its keys. It
// applies nothing unless every split is valid and the request would then be
// unblocked.
func (m *Manager) applySplit(fam *family, e *entry, splits []Split, now time.Time) ([]splitResult, bool) {
	if len(splits) == 0 {
		return nil, false
	}
	type plan struct {
		old  *entry
		keys []resource.Key
	}
	var plans []plan
	replacing := make(map[string]bool)
	for _, s := range splits {
		old, ok := fam.active[s.LockID]
		if !ok || old.lock.AgentID == e.lock.AgentID || len(s.Keys) == 0 {
			return nil, false
		}
		p := plan{old: old}
		for _, raw := range s.Keys {
			k, err := resource.Parse(raw)
			if err != nil || !resource.Contains(old.key, k) || k.String() == old.key.String() {
				return nil, false
			}
			if !models.Compatible(old.lock.LockLevel, e.lock.LockLevel) &&
				resource.Overlap(k, e.key) != resource.ExtentNone {
				return nil, false
			}
			p.keys = append(p.keys, k)
		}
		replacing[s.LockID] = true
		plans = append(plans, p)
	}
	for _, b := range fam.blockers(e) {
		if !replacing[b.lock.ID] {
			return nil, false
		}
	}

	var out []splitResult
	for _, p := range plans {
		delete(fam.active, p.old.lock.ID)
		m.end(p.old, models.LockStatusReleased, "split", now)
		res := splitResult{old: p.old.lock}
		for _, k := range p.keys {
			fine := &entry{key: k, seq: m.seq.Add(1), lock: p.old.lock}
			fine.lock.ID = uuid.New().String()
			fine.lock.ResourceID = k.String()
			fine.lock.ResourcePath = k.Path
			fine.lock.LockType = k.LockType()
			fine.lock.Status = models.LockStatusActive
			fine.lock.EndedAt = nil
			fine.lock.EndReason = ""
			fine.lock.Metadata = copyMeta(p.old.lock.Metadata)
			fam.active[fine.lock.ID] = fine
			m.track(fine.lock.ID, fam)
			res.fine = append(res.fine, fine.lock)
		}
		out = append(out, res)
	}
	return out, true
}

func (m *Manager) append(agentID, action, res string, status models.LogStatus, msg string) {
	if m.log == nil {
		return
	}
	m.log.Append(agentID, action, res, status, msg)
}

func (m *Manager) ownershipFailure(op, lockID, agentID, owner string, cause error, res string) error {
	err := errors.NewOwnershipError(op, lockID, agentID, cause)
	err.Owner = owner
	m.append(agentID, "lock."+op, res, models.LogFailure, err.Error())
	return err
}

func (m *Manager) terminalFailure(op string, l models.Lock, agentID string) error {
	if l.AgentID != agentID {
		return m.ownershipFailure(op, l.ID, agentID, l.AgentID, errors.ErrNotOwner, l.ResourceID)
	}
	err := errors.NewOwnershipError(op, l.ID, agentID, errors.ErrLockNotFound)
	m.append(agentID, "lock."+op, l.ResourceID, models.LogFailure,
		fmt.Sprintf("lock already %s", l.Status))
	return err
}

func (m *Manager) checkInvariant(fam *family) {
	bad := fam.violations()
	if len(bad) == 0 {
		return
	}
	m.logger.Error("exclusivity invariant broken", "family", fam.name, "resources", bad)
	if m.opts.StrictInvariants {
		panic(fmt.Sprintf("locks: exclusivity invariant broken on %v", bad))
	}
}

// --- helpers ---

func foreign(blockers []*entry, e *entry) []Blocker {
	var out []Blocker
	for _, b := range blockers {
		if b.lock.AgentID == e.lock.AgentID {
			continue
		}
		out = append(out, Blocker{Lock: b.lock, Extent: resource.Overlap(b.key, e.key)})
	}
	return out
}

func lockList(entries []*entry) []models.Lock {
	out := make([]models.Lock, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.lock)
	}
	return out
}

func appendGrants(events []Event, promoted []*entry) []Event {
	for _, p := range promoted {
		events = append(events, Event{Kind: EventGranted, Lock: p.lock, Reason: "promoted"})
	}
	return events
}

func holders(blockers []*entry, extra ...*entry) string {
	var names []string
	for _, b := range blockers {
		names = append(names, b.lock.AgentID)
	}
	for _, x := range extra {
		if x != nil {
			names = append(names, x.lock.AgentID+" (queued)")
		}
	}
	if len(names) == 0 {
		return "nobody"
	}
	return strings.Join(names, ", ")
}

func describePromotions(promoted []*entry) string {
	parts := make([]string, 0, len(promoted))
	for _, p := range promoted {
		parts = append(parts, fmt.Sprintf("%s promoted to active (%s)", p.lock.AgentID, p.lock.LockLevel))
	}
	return strings.Join(parts, "; ")
}

func withPromotions(msg string, promoted []*entry) string {
	if len(promoted) == 0 {
		return msg
	}
	return msg + "; " + describePromotions(promoted)
}

func withNote(msg, note string) string {
	if note == "" {
		return msg
	}
	return msg + " [" + note + "]"
}

func splitSummary(rs []splitResult) string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		keys := make([]string, 0, len(r.fine))
		for _, f := range r.fine {
			keys = append(keys, f.ResourceID)
		}
		parts = append(parts, fmt.Sprintf("%s of %s into %s", r.old.ResourceID, r.old.AgentID, strings.Join(keys, ", ")))
	}
	return strings.Join(parts, "; ")
}

func copyMeta(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortLocks(locks []models.Lock) {
	sort.SliceStable(locks, func(i, j int) bool {
		if !locks[i].RequestedAt.Equal(locks[j].RequestedAt) {
			return locks[i].RequestedAt.Before(locks[j].RequestedAt)
		}
		return locks[i].ID < locks[j].ID
	})
}
