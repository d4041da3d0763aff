// Package events is the in-process notification bus behind subscriptions.
package events

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 256

// Coordinator event topics.
const (
	TopicLockGranted       = "lock.granted"
	TopicLockQueued        = "lock.queued"
	TopicLockReleased      = "lock.released"
	TopicLockExpired       = "lock.expired"
	TopicLockDenied        = "lock.denied"
	TopicLockCancelled     = "lock.cancelled"
	TopicLockSplit         = "lock.split"
	TopicLockRenewed       = "lock.renewed"
	TopicTaskStatus        = "task.status"
	TopicConflictRaised    = "conflict.raised"
	TopicConflictResolved  = "conflict.resolved"
	TopicConflictEscalated = "conflict.escalated"
	TopicAgentStatus       = "agent.status"
	TopicActivity          = "activity.appended"
)

// Event is a message published on the bus.
type Event struct {
	Topic   string `json:"type"`
	Payload any    `json:"payload"`
}

// Subscription represents an active subscription.
type Subscription struct {
	id      int
	prefix  string
	ch      chan Event
	dropped atomic.Int64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Bus is an in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe creates a subscription for topics starting with prefix. An empty
// prefix matches everything. Delivery is non-blocking; a subscriber whose
// buffer is full misses events.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: prefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
