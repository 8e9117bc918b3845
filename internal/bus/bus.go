// Package bus provides the in-process publish/subscribe event backbone.
//
// Producers (the log monitor and fix orchestrator) publish lifecycle events;
// consumers (notification layers, the operational API, the optional NATS
// forwarder) subscribe without either side knowing about the other. A bounded
// ring buffer retains recent events so a consumer joining late can replay
// activity.
//
// Publish is fire-and-forget from the caller's perspective, but handlers run
// synchronously in publish order per subscriber. A handler panic is caught
// and logged, never propagated to the publisher or to other handlers.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType identifies a class of event.
type EventType string

// Event types published by the engine.
const (
	EventStatusChange  EventType = "status_change"
	EventHeartbeat     EventType = "heartbeat"
	EventErrorDetected EventType = "error_detected"
	EventErrorResolved EventType = "error_resolved"
	EventErrorIgnored  EventType = "error_ignored"
	EventFixStarted    EventType = "fix_started"
	EventFixProgress   EventType = "fix_progress"
	EventFixCompleted  EventType = "fix_completed"
	EventFixFailed     EventType = "fix_failed"
	EventFixEscalated  EventType = "fix_escalated"
)

// Event is an ephemeral pub/sub message.
type Event struct {
	Type      EventType              `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
}

// Handler processes a published event.
type Handler func(Event)

// Subscription identifies a registered handler so it can be removed.
// Handlers are not comparable in Go, so Unsubscribe takes the token
// returned by Subscribe or SubscribeAll.
type Subscription struct {
	id        uint64
	eventType EventType
	all       bool
}

// DefaultHistorySize is the default ring buffer capacity.
const DefaultHistorySize = 100

// Bus is an in-memory synchronous event bus with bounded history.
type Bus struct {
	logger *zap.Logger

	mu          sync.Mutex
	nextID      uint64
	subscribers map[EventType][]entry
	global      []entry
	history     []Event
	historySize int
}

type entry struct {
	id      uint64
	handler Handler
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistorySize sets the ring buffer capacity. Values < 1 fall back to
// DefaultHistorySize.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.historySize = n
		}
	}
}

// New creates an event bus. A nil logger is replaced with a no-op logger.
func New(logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		logger:      logger,
		subscribers: make(map[EventType][]entry),
		historySize: DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subscribers[eventType] = append(b.subscribers[eventType], entry{id: b.nextID, handler: handler})
	b.logger.Debug("subscriber added", zap.String("event_type", string(eventType)))
	return &Subscription{id: b.nextID, eventType: eventType}
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.global = append(b.global, entry{id: b.nextID, handler: handler})
	b.logger.Debug("global subscriber added")
	return &Subscription{id: b.nextID, all: true}
}

// Unsubscribe removes a previously registered handler. Unknown or already
// removed subscriptions are a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.all {
		b.global = removeEntry(b.global, sub.id)
		return
	}
	b.subscribers[sub.eventType] = removeEntry(b.subscribers[sub.eventType], sub.id)
}

func removeEntry(entries []entry, id uint64) []entry {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// Publish delivers an event to all matching subscribers and records it in
// the history ring.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.historySize {
		// FIFO eviction, oldest first.
		b.history = b.history[len(b.history)-b.historySize:]
	}
	handlers := make([]entry, 0, len(b.global)+len(b.subscribers[event.Type]))
	handlers = append(handlers, b.global...)
	handlers = append(handlers, b.subscribers[event.Type]...)
	b.mu.Unlock()

	// Handlers run outside the lock so they may publish or subscribe.
	for _, e := range handlers {
		b.invoke(e, event)
	}

	eventsPublished.WithLabelValues(string(event.Type)).Inc()
	b.logger.Debug("event published",
		zap.String("event_type", string(event.Type)),
		zap.String("source", event.Source),
		zap.Int("handlers_called", len(handlers)),
	)
}

// invoke calls one handler with panic isolation.
func (b *Bus) invoke(e entry, event Event) {
	defer func() {
		if r := recover(); r != nil {
			handlerFailures.WithLabelValues(string(event.Type)).Inc()
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(event.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	e.handler(event)
}

// Emit creates and publishes an event.
func (b *Bus) Emit(eventType EventType, payload map[string]interface{}, source string) {
	b.Publish(Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Source:    source,
	})
}

// History returns up to limit recent events, oldest first. An empty
// eventType matches all types. Limit <= 0 means no limit.
func (b *Bus) History(eventType EventType, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filtered []Event
	if eventType == "" {
		filtered = append(filtered, b.history...)
	} else {
		for _, e := range b.history {
			if e.Type == eventType {
				filtered = append(filtered, e)
			}
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}
