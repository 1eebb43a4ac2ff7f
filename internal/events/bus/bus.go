// Package bus provides the synchronous, in-process event bus used by the
// background task manager (spec.md §4.1). Every emitted event carries type,
// taskId, timestamp, version and a type-specific payload; emit() never
// blocks the caller on a failing subscriber and the bus never performs I/O
// of its own, since it is pure fan-out.
package bus

import (
	"time"
)

// Event is a single lifecycle event.
type Event struct {
	Type      string
	TaskID    string
	Timestamp time.Time
	Version   int
	Payload   map[string]any
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(eventType, taskID string, version int, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Version:   version,
		Payload:   payload,
	}
}

// Handler receives a single event. A panicking handler is caught by the bus
// and logged; it never prevents other subscribers (or the emitter) from
// proceeding.
type Handler func(Event)

// Subscription represents an active subscription, cancellable independently
// of the bus's lifetime.
type Subscription interface {
	Unsubscribe()
}

// EventBus is the fan-out interface consumed by every manager component.
type EventBus interface {
	// Emit invokes every matching subscriber, in registration order,
	// synchronously. It never returns an error: subscriber failures are
	// caught and logged internally.
	Emit(event Event)

	// Subscribe registers handler for the given event type. subject may be
	// an exact type (e.g. "task.started"), a family wildcard
	// ("task.*"), or "*" for every event.
	Subscribe(subject string, handler Handler) Subscription

	// Reset clears all subscriptions. Used by tests to isolate state
	// between cases.
	Reset()
}
