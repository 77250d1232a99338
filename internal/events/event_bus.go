// Package events provides the append-only event record and the bus that
// fans every event out to the journal, metrics and live observers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind defines the category of event
type Kind string

const (
	// Lifecycle events
	KindStateTransition Kind = "state_transition"
	KindWeekOpened      Kind = "week_opened"
	KindWeekClosed      Kind = "week_closed"
	KindRegimeEvaluated Kind = "regime_evaluated"
	KindEntrySkipped    Kind = "entry_skipped"
	KindEntryTimeout    Kind = "entry_timeout"
	KindRecovered       Kind = "recovered"

	// Trading events
	KindOrderSubmitted Kind = "order_submitted"
	KindOrderFailed    Kind = "order_failed"
	KindPositionOpened Kind = "position_opened"
	KindPositionClosed Kind = "position_closed"
	KindHedgeOpened    Kind = "hedge_opened"
	KindStopRaised     Kind = "stop_raised"
	KindTargetHit      Kind = "target_hit"
	KindStopPushFailed Kind = "stop_push_failed"
	KindExitIncomplete Kind = "exit_incomplete"

	// Risk events
	KindSafetyViolation Kind = "safety_violation"
	KindSafetyCleared   Kind = "safety_cleared"

	// System events
	KindConnectionChanged  Kind = "connection_changed"
	KindReconnectExhausted Kind = "reconnect_exhausted"
)

// Event is one append-only record. Payload values must be JSON encodable.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	WeekID    string         `json:"weekId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New creates an event with a generated ID.
func New(kind Kind, ts time.Time, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        uuid.New().String(),
		Timestamp: ts,
		Kind:      kind,
		Payload:   payload,
	}
}

// Handler processes events
type Handler func(Event) error

// Subscription represents an active event subscription
type Subscription struct {
	ID      string
	Kind    Kind // empty for all kinds
	handler Handler
	active  atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// Stats tracks bus counters
type Stats struct {
	EventsPublished   int64 `json:"eventsPublished"`
	HandlerErrors     int64 `json:"handlerErrors"`
	ActiveSubscribers int64 `json:"activeSubscribers"`
}

// Bus delivers events synchronously and in publish order. Handlers run on
// the publisher's goroutine and must not publish themselves.
type Bus struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs []*Subscription

	// serializes delivery across concurrent publishers
	deliver sync.Mutex

	published     atomic.Int64
	handlerErrors atomic.Int64
	active        atomic.Int64
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger.Named("events")}
}

// Subscribe registers a handler for one kind.
func (b *Bus) Subscribe(kind Kind, handler Handler) *Subscription {
	sub := &Subscription{
		ID:      uuid.New().String(),
		Kind:    kind,
		handler: handler,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	b.active.Add(1)

	b.logger.Debug("Subscription added",
		zap.String("id", sub.ID),
		zap.String("kind", string(kind)))

	return sub
}

// SubscribeAll registers a handler for every kind.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	return b.Subscribe("", handler)
}

// Unsubscribe removes a subscription
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub.active.CompareAndSwap(true, false) {
		b.active.Add(-1)
	}
}

// Publish delivers ev to every matching subscriber before returning.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	b.deliver.Lock()
	defer b.deliver.Unlock()

	b.published.Add(1)
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.Kind != "" && sub.Kind != ev.Kind {
			continue
		}
		b.execute(sub, ev)
	}
}

// execute runs a handler with panic recovery
func (b *Bus) execute(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			b.logger.Error("Event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("kind", string(ev.Kind)),
				zap.Any("panic", r))
		}
	}()

	if err := sub.handler(ev); err != nil {
		b.handlerErrors.Add(1)
		b.logger.Warn("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}

// GetStats returns current counters
func (b *Bus) GetStats() Stats {
	return Stats{
		EventsPublished:   b.published.Load(),
		HandlerErrors:     b.handlerErrors.Load(),
		ActiveSubscribers: b.active.Load(),
	}
}

// Recorder collects published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Handle implements Handler.
func (r *Recorder) Handle(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns recorded events of the given kind.
func (r *Recorder) OfKind(kind Kind) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
