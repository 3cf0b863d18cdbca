// Package event provides synchronous fan-out of lifecycle events emitted by
// the index manager and the provider registry.
package event

import (
	"log/slog"
	"sync"
)

// Event names emitted by the manager and the provider registry.
const (
	IndexCreated    = "index_created"
	IndexDestroyed  = "index_destroyed"
	IndexOffloaded  = "index_offloaded"
	IndexResumed    = "index_resumed"
	DocumentAdded   = "document_added"
	DocumentRemoved = "document_removed"
	QueryCompleted  = "query_completed"
	Error           = "error"
	ProviderAdded   = "provider_added"
	ProviderRemoved = "provider_removed"
	ProviderUpdated = "provider_updated"
)

// Payload is the stable shape delivered to subscribers. Exactly one of
// InstanceID or ProviderID is set, depending on the event family.
type Payload struct {
	InstanceID string
	ProviderID string
	Data       map[string]any
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine and must return promptly.
type Handler func(name string, payload Payload)

type subscriber struct {
	id      uint64
	name    string // empty means all events
	handler Handler
}

// Bus fans out named events to subscribers. Delivery is synchronous and
// in subscription order per event; there is no ordering guarantee across
// distinct events emitted from different goroutines.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber
	logger *slog.Logger
}

// NewBus creates an event bus. A nil logger falls back to slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler for a single event name.
// The returned function removes the subscription.
func (b *Bus) Subscribe(name string, h Handler) (unsubscribe func()) {
	return b.add(name, h)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	return b.add("", h)
}

func (b *Bus) add(name string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, name: name, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers the event to every matching subscriber. A panicking
// subscriber is recovered and logged; it never takes down the emitter.
func (b *Bus) Emit(name string, payload Payload) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.name == "" || s.name == name {
			matched = append(matched, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		b.dispatch(name, payload, h)
	}
}

func (b *Bus) dispatch(name string, payload Payload, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event_subscriber_panic",
				slog.String("event", name),
				slog.Any("panic", r))
		}
	}()
	h(name, payload)
}
