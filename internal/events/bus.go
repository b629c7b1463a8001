// Package events carries the core's internal notifications: streaming
// lifecycle transitions, closed trades from the mirrored terminal, and
// automation actions on follower accounts. Delivery is best effort; anything
// that must survive a restart goes to the store, not the bus.
package events

import (
	"sync"
)

// Bus is an in-process pub/sub broker over buffered channels. One instance
// is shared by the streaming manager (publisher), the orchestrator
// (publisher), and the watchers in internal/monitor (subscribers).
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan any
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener for one topic. The returned channel holds up
// to buffer pending payloads; the unsubscribe function closes it and detaches
// the listener.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish fans the payload out to every subscriber of the topic. A subscriber
// whose buffer is full loses the payload rather than blocking the publisher;
// the streaming read loop must never stall on a slow alert watcher.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
		}
	}
}
