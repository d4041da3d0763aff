package locks

import (
	"sort"
	"sync"
	"time"

	"github.com/fentz26/lockwarden/internal/models"
	"github.com/fentz26/lockwarden/internal/resource"
)

// family holds every live lock whose key shares a path (or semantic name).
// All overlap checks happen inside one family, so its mutex is the critical
// section for check + grant + queue update.
type family struct {
	mu     sync.Mutex
	name   string
	active map[string]*entry
	queue  []*entry
}

type entry struct {
	lock models.Lock
	key  resource.Key
	seq  uint64
}

func newFamily(name string) *family {
	return &family{name: name, active: make(map[string]*entry)}
}

// blockers returns active entries incompatible with e. Locks of the same
// agent only block on the identical resource.
func (f *family) blockers(e *entry) []*entry {
	var out []*entry
	for _, a := range f.active {
		if a.lock.ID == e.lock.ID {
			continue
		}
		if models.Compatible(a.lock.LockLevel, e.lock.LockLevel) {
			continue
		}
		ext := resource.Overlap(a.key, e.key)
		if ext == resource.ExtentNone {
			continue
		}
		if a.lock.AgentID == e.lock.AgentID && ext != resource.ExtentFull {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// waitingAhead returns the first waiter that a fair admission would keep e
// behind.
func (f *family) waitingAhead(e *entry) *entry {
	for _, w := range f.queue {
		if w.lock.Held || w.lock.AgentID == e.lock.AgentID {
			continue
		}
		if w.lock.Priority < e.lock.Priority {
			break
		}
		if !models.Compatible(w.lock.LockLevel, e.lock.LockLevel) &&
			resource.Overlap(w.key, e.key) != resource.ExtentNone {
			return w
		}
	}
	return nil
}

// holding returns an active lock of the agent on the identical key at an
// equal or stronger level.
func (f *family) holding(agentID string, key resource.Key, level models.LockLevel) *entry {
	for _, a := range f.active {
		if a.lock.AgentID == agentID && a.lock.ResourceID == key.String() &&
			a.lock.LockLevel.Rank() >= level.Rank() {
			return a
		}
	}
	return nil
}

// enqueue inserts e ordered by (priority desc, requested_at asc, seq asc).
func (f *family) enqueue(e *entry) {
	i := sort.Search(len(f.queue), func(i int) bool {
		return queuedBefore(e, f.queue[i])
	})
	f.queue = append(f.queue, nil)
	copy(f.queue[i+1:], f.queue[i:])
	f.queue[i] = e
}

func queuedBefore(a, b *entry) bool {
	if a.lock.Priority != b.lock.Priority {
		return a.lock.Priority > b.lock.Priority
	}
	if !a.lock.RequestedAt.Equal(b.lock.RequestedAt) {
		return a.lock.RequestedAt.Before(b.lock.RequestedAt)
	}
	return a.seq < b.seq
}

func (f *family) position(id string) int {
	for i, w := range f.queue {
		if w.lock.ID == id {
			return i
		}
	}
	return -1
}

func (f *family) dequeue(id string) *entry {
	i := f.position(id)
	if i < 0 {
		return nil
	}
	e := f.queue[i]
	f.queue = append(f.queue[:i], f.queue[i+1:]...)
	return e
}

func (f *family) find(id string) *entry {
	if e, ok := f.active[id]; ok {
		return e
	}
	if i := f.position(id); i >= 0 {
		return f.queue[i]
	}
	return nil
}

func (f *family) activate(e *entry, now time.Time) {
	acquired := now
	expires := now.Add(e.lock.TTL)
	e.lock.Status = models.LockStatusActive
	e.lock.AcquiredAt = &acquired
	e.lock.ExpiresAt = &expires
	e.lock.WaitDeadline = nil
	f.active[e.lock.ID] = e
}

// promote walks the queue in order and grants every waiter compatible with
// the active set. A waiter that stays blocked also blocks later, overlapping,
// incompatible waiters so they cannot overtake it, unless they carry the
// preempt flag. Read waiters that are compatible with each other are
// therefore promoted as a batch.
func (f *family) promote(now time.Time) []*entry {
	var granted, blocked []*entry
	remaining := f.queue[:0]
	for _, w := range f.queue {
		if w.lock.Held {
			remaining = append(remaining, w)
			continue
		}
		if !w.lock.Preempt && behind(w, blocked) {
			remaining = append(remaining, w)
			blocked = append(blocked, w)
			continue
		}
		if len(f.blockers(w)) == 0 {
			f.activate(w, now)
			granted = append(granted, w)
			continue
		}
		remaining = append(remaining, w)
		blocked = append(blocked, w)
	}
	for i := len(remaining); i < len(f.queue); i++ {
		f.queue[i] = nil
	}
	f.queue = remaining
	return granted
}

func behind(w *entry, blocked []*entry) bool {
	for _, b := range blocked {
		if models.Compatible(b.lock.LockLevel, w.lock.LockLevel) {
			continue
		}
		if resource.Overlap(b.key, w.key) != resource.ExtentNone {
			return true
		}
	}
	return false
}

// violations lists resources where the active set breaks the exclusivity
// invariant.
func (f *family) violations() []string {
	type tally struct{ total, mutating int }
	counts := make(map[string]*tally)
	for _, a := range f.active {
		t := counts[a.lock.ResourceID]
		if t == nil {
			t = &tally{}
			counts[a.lock.ResourceID] = t
		}
		t.total++
		if a.lock.LockLevel.Mutating() {
			t.mutating++
		}
	}
	var bad []string
	for res, t := range counts {
		if t.mutating > 0 && t.total > 1 {
			bad = append(bad, res)
		}
	}
	return bad
}
