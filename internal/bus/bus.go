// Package bus fans task lifecycle and dispatch events out to in-process
// listeners: the gateway event streams, local dispatch consumers and tests.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SubscriptionBuffer is the per-subscriber channel capacity.
const SubscriptionBuffer = 100

// Event is one published message. At is stamped by Publish.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Subscription receives every event whose topic starts with its prefix.
type Subscription struct {
	id      uint64
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	now    func() time.Time
}

func New() *Bus {
	return &Bus{
		subs: make(map[uint64]*Subscription),
		now:  time.Now,
	}
}

// Subscribe registers a listener for topicPrefix ("" matches everything).
// Subscribing to a closed bus returns an already-closed subscription.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	sub := &Subscription{
		prefix: topicPrefix,
		ch:     make(chan Event, SubscriptionBuffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
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

// Publish never blocks: a subscriber with a full buffer misses the event.
// It returns the number of subscribers that received it. A nil or closed
// bus delivers nothing.
func (b *Bus) Publish(topic string, payload any) int {
	if b == nil {
		return 0
	}
	event := Event{Topic: topic, Payload: payload, At: b.now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			sub.dropped.Add(1)
		}
	}
	return delivered
}

// Close ends every subscription so stream handlers return during shutdown.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
