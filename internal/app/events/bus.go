// Package events carries state-changed notifications out of the escrow
// engine. Settlement logic never depends on a subscriber; UI sync and
// notification delivery attach here without touching money movement.
package events

import (
	"sync"
	"time"
)

// Type identifies a state change.
type Type string

const (
	ApplicationCreated  Type = "application.created"
	ParticipationMade   Type = "participation.reserved"
	SlotFulfilled       Type = "slot.fulfilled"
	SlotResolved        Type = "slot.resolved"
	ApplicationSettled  Type = "application.settled"
	ApplicationRejected Type = "application.rejected"
	ApplicationExpired  Type = "application.expired"
)

// Event is one committed state change.
type Event struct {
	Type          Type
	ApplicationID string
	Actor         string
	At            time.Time
}

// Handler consumes events. Handlers run synchronously on the publishing
// goroutine and must not block.
type Handler func(Event)

// Bus is an in-process publish/subscribe fan-out.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers the event to every subscribed handler. A nil bus
// drops events, so publishers need no nil checks.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(evt)
	}
}
