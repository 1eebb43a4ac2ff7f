package bgtask

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nghyane/opencode-bgtask/internal/events"
	"github.com/nghyane/opencode-bgtask/internal/host"
	"github.com/nghyane/opencode-bgtask/internal/notify"
	"github.com/nghyane/opencode-bgtask/internal/saga"
	"github.com/nghyane/opencode-bgtask/internal/statemachine"
)

const noOutputMarker = "(No output)"

// resolveTaskSession implements spec.md §4.8 "Resolve session": fired when
// the idle debounce timer expires for a still-running task.
func (m *Manager) resolveTaskSession(taskID string) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	isRunning := ok && task.Status == statemachine.Running
	finalizing := m.finalizing[taskID]
	sessionID := ""
	if ok {
		sessionID = task.SessionID
	}
	m.mu.Unlock()
	if !isRunning || finalizing {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, extractErr := m.extractLastAssistantMessage(ctx, sessionID)
	if extractErr != nil {
		partial, _ := m.bestEffortLastMessage(sessionID)
		m.finalize(taskID, statemachine.Failed, finalizeOutcome{
			Error:  extractErr.Error(),
			Result: partial,
		})
		return
	}

	if result == noOutputMarker || strings.TrimSpace(result) == "" {
		m.finalize(taskID, statemachine.Failed, finalizeOutcome{
			Error: "Validation failed: no assistant output found",
		})
		return
	}

	m.finalize(taskID, statemachine.Completed, finalizeOutcome{Result: result})
}

// extractLastAssistantMessage fetches message history and concatenates the
// last assistant message's text/reasoning parts (spec.md §4.8 "Resolve
// session"). It returns an error when there is no assistant message, and
// noOutputMarker when none of those parts has non-whitespace content.
func (m *Manager) extractLastAssistantMessage(ctx context.Context, sessionID string) (string, error) {
	messages, err := m.hostClient.Messages(ctx, sessionID, "")
	if err != nil {
		return "", fmt.Errorf("fetch messages: %w", err)
	}

	var lastAssistant *host.Message
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Info.Role == "assistant" {
			lastAssistant = &messages[i]
			break
		}
	}
	if lastAssistant == nil {
		return "", fmt.Errorf("Validation failed: no assistant message found")
	}

	var parts []string
	for _, p := range lastAssistant.Parts {
		if p.Type == "text" || p.Type == "reasoning" {
			if strings.TrimSpace(p.Text) != "" {
				parts = append(parts, p.Text)
			}
		}
	}
	if len(parts) == 0 {
		return noOutputMarker, nil
	}
	return strings.Join(parts, "\n\n"), nil
}

// bestEffortLastMessage is a non-failing variant used when finalizing after
// an error (cancel, orphan sweep, extraction failure) where partial output
// is nice-to-have but never blocks finalization.
func (m *Manager) bestEffortLastMessage(sessionID string) (string, error) {
	if sessionID == "" {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := m.extractLastAssistantMessage(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return result, nil
}

// finalizeOutcome carries the terminal payload for one finalize call.
type finalizeOutcome struct {
	Result string
	Error  string
}

// finalize is the idempotent terminal-state commit (spec.md §4.8
// "Finalize"), guarded by the per-task finalizing set so a second
// concurrent call is a no-op. It performs the task's one and only
// non-terminal -> terminal state transition itself (callers must not
// pre-commit via m.transition) and reports whether this call was the one
// that actually committed it, so callers like Cancel can distinguish "I
// just cancelled this task" from "it was already terminal."
func (m *Manager) finalize(taskID string, outcome statemachine.Status, payload finalizeOutcome) bool {
	m.mu.Lock()
	if m.finalizing[taskID] {
		m.mu.Unlock()
		return false
	}
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if m.table.IsTerminal(task.Status) {
		if task.Status == statemachine.Cancelled && outcome == statemachine.Cancelled && task.CompletedAt.IsZero() {
			task.CompletedAt = time.Now().UTC()
		}
		m.mu.Unlock()
		return false
	}
	m.finalizing[taskID] = true
	m.mu.Unlock()

	value, truncated := truncate(payload.Result, m.cfg.ResultMaxBytes)

	m.mu.Lock()
	result := m.transition(taskID, outcome, statemachine.Context{
		Error:     payload.Error,
		Result:    value,
		Truncated: truncated,
	})
	if !result.Ok() {
		m.finalizing[taskID] = false
		m.mu.Unlock()
		m.logger.WithTaskID(taskID).Warn("finalize transition refused", zap.String("code", string(result.Code)))
		return false
	}
	task.CompletedAt = time.Now().UTC()
	model := task.Model
	sessionID := task.SessionID
	parentSessionID := task.ParentSessionID
	stateVersion := task.StateVersion
	delete(m.sessionIndex, sessionID)
	m.mu.Unlock()

	m.idleTimers.Cancel(taskID)

	m.appendEvictionQueue(taskID)
	m.evictIfOverCap()

	eventType := events.TaskCompleted
	switch outcome {
	case statemachine.Failed:
		eventType = events.TaskFailed
	case statemachine.Cancelled:
		eventType = events.TaskCancelled
	}
	m.emit(eventType, taskID, stateVersion, map[string]any{"status": string(outcome)})

	m.runFinalizationSaga(taskID, outcome, parentSessionID, stateVersion)

	m.limiter.Release(model)

	m.mu.Lock()
	m.finalizing[taskID] = false
	m.mu.Unlock()

	m.resolveWaiters(taskID)
	return true
}

func (m *Manager) runFinalizationSaga(taskID string, outcome statemachine.Status, parentSessionID string, version int) {
	steps := []saga.Step{
		{
			Name: "extract-result",
			Run: func(ctx context.Context) error {
				// Result/error were already committed by the state-machine
				// transition above; this step exists for uniformity with
				// spec.md §4.7's three-step saga shape and has nothing
				// further to do on the success path.
				return nil
			},
			Compensate: func(ctx context.Context) {
				m.mu.Lock()
				if t, ok := m.tasks[taskID]; ok {
					t.Result = ""
					t.Error = ""
				}
				m.mu.Unlock()
			},
		},
		{
			Name: "send-notification",
			Run: func(ctx context.Context) error {
				m.mu.Lock()
				task, ok := m.tasks[taskID]
				m.mu.Unlock()
				if !ok {
					return nil
				}
				m.notifier.Notify(ctx, notify.Outcome{
					TaskID:          taskID,
					ParentSessionID: parentSessionID,
					Status:          string(outcome),
					Result:          task.Result,
					Error:           task.Error,
					Truncated:       task.IsResultTruncated,
					CompletedAt:     task.CompletedAt,
					Version:         version,
				})
				m.markPendingRetrieval(parentSessionID, taskID)
				return nil // best-effort: notify step always reports success
			},
		},
		{
			Name: "release-resources",
			Run: func(ctx context.Context) error {
				return m.resources.Cleanup(taskID, 10*time.Second)
			},
		},
	}

	result := saga.Run(context.Background(), steps, func(step string, recovered any) {
		m.logger.WithTaskID(taskID).Error("saga step panicked", zap.String("step", step), zap.Any("recovered", recovered))
	})
	if !result.Ok() {
		m.logger.WithTaskID(taskID).Warn("finalization saga step failed", zap.String("step", result.FailedStep), zap.Error(result.Err))
	}
}

func (m *Manager) resolveWaiters(taskID string) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	chans := m.waiters[taskID]
	delete(m.waiters, taskID)
	m.mu.Unlock()
	if !ok {
		return
	}
	snapshot := task.Snapshot()
	for _, ch := range chans {
		ch <- snapshot
		close(ch)
	}
}
