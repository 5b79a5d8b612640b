// Package eventbus fans out application events to the UI bridge and
// network observers. It is a lossy, multi-producer broadcast: a subscriber
// that falls behind never blocks a publisher, but is told how many events
// it missed on the next delivery instead of silently skipping them.
package eventbus

import "sync"

// Event is a single fan-out message. Dropped is the number of events that
// were discarded for this subscriber since its last successful delivery
// (0 on the common path).
type Event struct {
	Type    string
	Payload any
	Dropped int
}

type subscriber struct {
	ch      chan Event
	mu      sync.Mutex
	dropped int
}

// Bus is a process-wide broadcast hub. The zero value is not usable; use New.
type Bus struct {
	mu   sync.Mutex
	subs []*subscriber
}

// New returns an empty event bus.
func New() *Bus {
	return &Bus{}
}

// DefaultBuffer is the per-subscriber channel capacity used when Subscribe
// is not given an explicit size.
const DefaultBuffer = 16

// Subscribe registers a new listener and returns its delivery channel plus
// an unsubscribe function. buffer <= 0 uses DefaultBuffer.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				close(s.ch)
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers an event to every current subscriber. Delivery never
// blocks: a subscriber whose channel is full has the event dropped and its
// per-subscriber drop counter incremented, which is reported on the next
// event that does get through.
func (b *Bus) Publish(eventType string, payload any) {
	b.mu.Lock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		evt := Event{Type: eventType, Payload: payload, Dropped: sub.dropped}
		select {
		case sub.ch <- evt:
			sub.dropped = 0
		default:
			sub.dropped++
		}
		sub.mu.Unlock()
	}
}

// SubscriberCount returns the number of currently registered subscribers,
// mainly for diagnostics and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
