// Package notify implements the notification service (spec.md §4.6): builds
// the structured completion message, emits attempt/sent/failed events, and
// delegates the actual send to an injected callback under circuit-breaker
// protection with exponential-backoff retries. Grounded on the teacher's
// EventPublisher pattern for building structured event payloads
// (agent/lifecycle/events.go) and its "callback supplied at construction"
// posture, generalized per spec.md §9 ("Callback registration with
// closures... represent as a capability passed at construction time").
package notify

import (
	"context"
	"time"

	"github.com/nghyane/opencode-bgtask/internal/breaker"
	"github.com/nghyane/opencode-bgtask/internal/common/logger"
	"github.com/nghyane/opencode-bgtask/internal/events"
	"github.com/nghyane/opencode-bgtask/internal/events/bus"
	"go.uber.org/zap"
)

// Message is the structured completion payload delivered into the parent
// session (spec.md §6 "Notification message").
type Message struct {
	Type        string `json:"type"`
	TaskID      string `json:"taskId"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	CompletedAt string `json:"completedAt"`
}

// SendFunc delivers a built Message into a parent session. It is the
// capability injected at construction time; the notification service never
// talks to the host directly.
type SendFunc func(ctx context.Context, parentSessionID string, msg Message) error

// Service builds and sends completion notifications.
type Service struct {
	send       SendFunc
	breaker    *breaker.Breaker
	retryCfg   breaker.RetryConfig
	eventBus   bus.EventBus
	logger     *logger.Logger
}

// Config configures a Service.
type Config struct {
	Send       SendFunc
	Breaker    *breaker.Breaker
	RetryCfg   breaker.RetryConfig
	EventBus   bus.EventBus
	Logger     *logger.Logger
}

// New constructs a notification Service. Send must be non-nil: a missing
// send capability is a configuration error the caller must catch before
// relying on this service (spec.md §9).
func New(cfg Config) *Service {
	return &Service{
		send:     cfg.Send,
		breaker:  cfg.Breaker,
		retryCfg: cfg.RetryCfg,
		eventBus: cfg.EventBus,
		logger:   cfg.Logger.WithFields(zap.String("component", "notify")),
	}
}

// Outcome describes a task's terminal state for notification purposes.
type Outcome struct {
	TaskID          string
	ParentSessionID string
	Status          string
	Result          string
	Error           string
	Truncated       bool
	CompletedAt     time.Time
	Version         int
}

// Notify builds the completion message and sends it through the breaker
// with retries, emitting notification.attempt/sent/failed along the way. It
// never returns an error to the caller: per spec.md §4.7 the send step is
// best-effort and always reports saga success, so the task's terminal
// status is never blocked on notification delivery.
func (s *Service) Notify(ctx context.Context, outcome Outcome) {
	msg := Message{
		Type:        "background-task-completed",
		TaskID:      outcome.TaskID,
		Status:      outcome.Status,
		Result:      outcome.Result,
		Error:       outcome.Error,
		Truncated:   outcome.Truncated,
		CompletedAt: outcome.CompletedAt.UTC().Format(time.RFC3339),
	}

	attempts := 0
	err := breaker.CallWithRetry(ctx, s.breaker, s.retryCfg, func(attempt int) {
		attempts = attempt + 1
		s.emit(events.NotificationAttempt, outcome.TaskID, outcome.Version, map[string]any{
			"attempt": attempt + 1,
		})
	}, func(ctx context.Context) error {
		return s.send(ctx, outcome.ParentSessionID, msg)
	})

	if err != nil {
		s.logger.Warn("notification delivery failed after retries",
			zap.String("task_id", outcome.TaskID), zap.Int("attempts", attempts), zap.Error(err))
		s.emit(events.NotificationFailed, outcome.TaskID, outcome.Version, map[string]any{
			"attempts": attempts,
			"error":    err.Error(),
		})
		return
	}

	s.emit(events.NotificationSent, outcome.TaskID, outcome.Version, map[string]any{
		"attempts": attempts,
	})
}

func (s *Service) emit(eventType, taskID string, version int, payload map[string]any) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Emit(bus.NewEvent(eventType, taskID, version, payload))
}
