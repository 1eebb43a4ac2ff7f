package bus

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nghyane/opencode-bgtask/internal/common/logger"
)

// MemoryBus is the default in-process EventBus: synchronous dispatch,
// registration-order fan-out, subscriber panics caught and logged.
type MemoryBus struct {
	mu            sync.Mutex
	subscriptions map[string][]*memorySubscription
	nextSeq       uint64
	logger        *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	handler Handler
	active  bool
	seq     uint64
}

// Unsubscribe deactivates and removes the subscription.
func (s *memorySubscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.active = false
	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// NewMemoryBus creates a new in-process event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log.WithFields(zap.String("component", "event-bus")),
	}
}

// Emit dispatches event to every matching subscriber in registration order.
// Subscriber panics are recovered and logged; they never affect sibling
// subscribers or the emitter.
func (b *MemoryBus) Emit(event Event) {
	b.mu.Lock()
	var targets []*memorySubscription
	for subject, subs := range b.subscriptions {
		if !matches(event.Type, subject) {
			continue
		}
		for _, sub := range subs {
			if sub.active {
				targets = append(targets, sub)
			}
		}
	}
	b.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })

	for _, sub := range targets {
		b.dispatch(sub, event)
	}
}

func (b *MemoryBus) dispatch(sub *memorySubscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("subject", sub.subject),
				zap.String("event_type", event.Type),
				zap.String("task_id", event.TaskID),
				zap.Any("recovered", r))
		}
	}()
	sub.handler(event)
}

// Subscribe registers handler for subject, which may be an exact event
// type, a family wildcard ("task.*"), or "*" for everything.
func (b *MemoryBus) Subscribe(subject string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	sub := &memorySubscription{bus: b, subject: subject, handler: handler, active: true, seq: b.nextSeq}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub
}

// Reset clears all subscriptions. Used by tests.
func (b *MemoryBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = make(map[string][]*memorySubscription)
}

// matches reports whether eventType satisfies subject, supporting a
// trailing "*" family wildcard ("task.*" matches "task.started") and a bare
// "*" matching everything.
func matches(eventType, subject string) bool {
	if subject == "*" {
		return true
	}
	if strings.HasSuffix(subject, "*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(subject, "*"))
	}
	return eventType == subject
}
