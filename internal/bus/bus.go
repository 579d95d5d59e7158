package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bus is an in-process publish/subscribe event bus. A subscriber receives
// every event whose kind starts with its namespace; "" matches everything.
// Publishing never blocks: a subscriber with a full buffer misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int

	dropped atomic.Uint64
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers evt to all matching subscribers.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event of the given kind stamped with the current time.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe registers a buffered channel for namespace. The returned
// function unsubscribes and may be called any number of times; the channel
// is never closed.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
