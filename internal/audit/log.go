// Package audit provides the append-only activity log that records every
// coordinator transition.
package audit

import (
	"iter"
	"sync"
	"time"

	"github.com/fentz26/lockwarden/internal/clock"
	"github.com/fentz26/lockwarden/internal/models"
)

// TopicAppended is the event topic for new entries.
const TopicAppended = "activity.appended"

// Publisher receives every appended entry.
type Publisher interface {
	Publish(topic string, payload any)
}

// Order selects the iteration direction.
type Order int

const (
	OldestFirst Order = iota
	NewestFirst
)

// Log is an append-only, time-ordered sequence of activity entries.
// Entries are never mutated or removed once appended.
type Log struct {
	mu      sync.RWMutex
	clock   clock.Clock
	entries []models.ActivityEntry
	nextID  int64
	pub     Publisher
}

// NewLog creates an empty log.
func NewLog(c clock.Clock) *Log {
	if c == nil {
		c = clock.Real{}
	}
	return &Log{clock: c, nextID: 1}
}

// SetPublisher attaches a publisher for appended entries.
func (l *Log) SetPublisher(p Publisher) {
	l.mu.Lock()
	l.pub = p
	l.mu.Unlock()
}

// Append records one transition and returns the stored entry. Ids and
// timestamps are strictly ordered: a timestamp never goes backwards even if
// the clock does.
func (l *Log) Append(agentID, action, resource string, status models.LogStatus, message string) models.ActivityEntry {
	l.mu.Lock()
	ts := l.clock.Now().UTC()
	if n := len(l.entries); n > 0 && ts.Before(l.entries[n-1].Timestamp) {
		ts = l.entries[n-1].Timestamp
	}
	entry := models.ActivityEntry{
		ID:        l.nextID,
		Timestamp: ts,
		AgentID:   agentID,
		Action:    action,
		Resource:  resource,
		Status:    status,
		Message:   message,
	}
	l.nextID++
	l.entries = append(l.entries, entry)
	pub := l.pub
	l.mu.Unlock()

	if pub != nil {
		pub.Publish(TopicAppended, entry)
	}
	return entry
}

// Entries returns a lazy sequence over the log. Each iteration starts over
// and covers the entries present when that iteration began.
func (l *Log) Entries(order Order) iter.Seq[models.ActivityEntry] {
	return func(yield func(models.ActivityEntry) bool) {
		view := l.view()
		if order == NewestFirst {
			for i := len(view) - 1; i >= 0; i-- {
				if !yield(view[i]) {
					return
				}
			}
			return
		}
		for _, e := range view {
			if !yield(e) {
				return
			}
		}
	}
}

// Since yields entries with an id greater than afterID, oldest first.
func (l *Log) Since(afterID int64) iter.Seq[models.ActivityEntry] {
	return func(yield func(models.ActivityEntry) bool) {
		view := l.view()
		// ids are dense and start at the first entry's id
		start := 0
		if len(view) > 0 {
			start = int(afterID - view[0].ID + 1)
		}
		if start < 0 {
			start = 0
		}
		for i := start; i < len(view); i++ {
			if !yield(view[i]) {
				return
			}
		}
	}
}

// Recent returns up to n entries, newest first.
func (l *Log) Recent(n int) []models.ActivityEntry {
	out := make([]models.ActivityEntry, 0, n)
	if n <= 0 {
		return out
	}
	for e := range l.Entries(NewestFirst) {
		out = append(out, e)
		if len(out) == n {
			break
		}
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// LastID returns the id of the newest entry, or 0.
func (l *Log) LastID() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextID - 1
}

// Restore replaces an empty log with previously persisted entries.
// Entries must be ordered by id.
func (l *Log) Restore(entries []models.ActivityEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) > 0 || len(entries) == 0 {
		return
	}
	l.entries = append(l.entries[:0], entries...)
	l.nextID = entries[len(entries)-1].ID + 1
}

// view returns the current prefix. The backing array is only ever appended
// to, so the slice header stays valid without holding the lock.
func (l *Log) view() []models.ActivityEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[:len(l.entries):len(l.entries)]
}

// After returns entries stamped strictly after t, oldest first.
func (l *Log) After(t time.Time) []models.ActivityEntry {
	var out []models.ActivityEntry
	for e := range l.Entries(OldestFirst) {
		if e.Timestamp.After(t) {
			out = append(out, e)
		}
	}
	return out
}
