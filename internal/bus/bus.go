// Package bus provides the in-process transition notification fan-out.
// Delivery is at-least-once and ordered per instance; consumers must be
// idempotent.
package bus

import (
	"sync"

	"github.com/vigil-host/vigil/internal/domain"
)

const defaultBuffer = 256

// Subscription receives trust events until closed.
type Subscription struct {
	C  chan domain.TrustEvent
	id int
	b  *TrustBus
}

// Close detaches the subscription and drains its channel.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	if _, ok := s.b.subs[s.id]; ok {
		delete(s.b.subs, s.id)
		close(s.C)
	}
	s.b.mu.Unlock()
}

// TrustBus fans trust transitions out to subscribers. Publish delivers to
// every subscriber in call order, so per-instance ordering is inherited from
// the publisher's serialization.
type TrustBus struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	buffer int
}

// New creates a bus with the given per-subscriber buffer.
func New(buffer int) *TrustBus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &TrustBus{subs: make(map[int]*Subscription), buffer: buffer}
}

// Subscribe registers a new consumer.
func (b *TrustBus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{C: make(chan domain.TrustEvent, b.buffer), id: b.nextID, b: b}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers the event to all current subscribers. A subscriber whose
// buffer is full loses the event rather than stalling other consumers; the
// registry remains the source of truth for anything missed.
func (b *TrustBus) Publish(event domain.TrustEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.C <- event:
		default:
		}
	}
}
