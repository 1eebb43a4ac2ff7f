package bgtask

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nghyane/opencode-bgtask/internal/common/apperrors"
	"github.com/nghyane/opencode-bgtask/internal/events"
	"github.com/nghyane/opencode-bgtask/internal/host"
	"github.com/nghyane/opencode-bgtask/internal/statemachine"
)

// backgroundTaskSystemPromptTemplate is the system prompt sent with every
// child session's prompt body (spec.md §4.8 "Start"). No agent-variant
// system prompt is appended to it.
const backgroundTaskSystemPromptTemplate = `You are running as background task %s (agent: %s).
Description: %s
Original prompt excerpt: %s

You are isolated from the parent session. The background_task and task tools are disabled for you%s.`

// LaunchParams are the validated inputs to Launch (spec.md §6 "launch").
type LaunchParams struct {
	ParentSessionID string
	Description     string
	Prompt          string
	Agent           string
	Model           string
	Directory       string
}

// Launch validates and admits a new task, returning its snapshot
// synchronously; starting happens asynchronously on the admission queue
// (spec.md §4.8 "Launch").
func (m *Manager) Launch(ctx context.Context, params LaunchParams) (Task, error) {
	if m.Paused() {
		return Task{}, apperrors.ValidationError("manager is paused and not accepting new launches")
	}
	if !AllowedAgents[params.Agent] {
		return Task{}, apperrors.ValidationErrorf("invalid agent %q", params.Agent)
	}
	if ReadOnlyAgents[params.Agent] {
		return Task{}, apperrors.ValidationErrorf("agent %q is read-only and cannot launch background tasks", params.Agent)
	}

	m.mu.Lock()
	if parentIsBackgroundTask := m.sessionIndex[params.ParentSessionID]; parentIsBackgroundTask != "" {
		if t, ok := m.tasks[parentIsBackgroundTask]; ok && !m.table.IsTerminal(t.Status) {
			m.mu.Unlock()
			return Task{}, apperrors.ValidationError("background tasks cannot launch background tasks")
		}
	}
	m.mu.Unlock()

	id, err := NewTaskID()
	if err != nil {
		return Task{}, apperrors.InternalError("failed to generate task id", err)
	}

	model := params.Model
	if model == "" {
		model = "default"
	}

	task := &Task{
		ID:                id,
		ParentSessionID:   params.ParentSessionID,
		Agent:             params.Agent,
		Description:       params.Description,
		Prompt:            params.Prompt,
		Model:             model,
		Status:            statemachine.Pending,
		StateVersion:      0,
		NotificationState: NotificationPending,
	}

	m.mu.Lock()
	m.tasks[id] = task
	if m.parentIndex[params.ParentSessionID] == nil {
		m.parentIndex[params.ParentSessionID] = make(map[string]bool)
	}
	m.parentIndex[params.ParentSessionID][id] = true
	m.mu.Unlock()

	m.emit(events.TaskCreated, id, 0, map[string]any{
		"agent":       params.Agent,
		"description": params.Description,
	})

	m.admission.push(id)
	m.drainAdmission(params.Directory)

	return task.Snapshot(), nil
}

func (m *Manager) drainAdmission(directory string) {
	m.admission.drain(func(taskID string) bool {
		m.mu.Lock()
		task, ok := m.tasks[taskID]
		m.mu.Unlock()
		if !ok || task.Status != statemachine.Pending {
			return false
		}
		go m.startTask(taskID, directory)
		return true
	})
}

// startTask implements the two-phase commit from spec.md §4.8 "Start".
func (m *Manager) startTask(taskID string, directory string) {
	defer m.admission.startFinished(func() { m.drainAdmission(directory) })

	m.mu.Lock()
	result := m.transition(taskID, statemachine.Starting, statemachine.Context{})
	m.mu.Unlock()
	if !result.Ok() {
		return
	}

	m.mu.Lock()
	task := m.tasks[taskID]
	model := task.Model
	parentSessionID := task.ParentSessionID
	description := task.Description
	agent := task.Agent
	prompt := task.Prompt
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := m.limiter.Acquire(ctx, model); err != nil {
		m.finalize(taskID, statemachine.Failed, finalizeOutcome{Error: fmt.Sprintf("concurrency limiter: %v", err)})
		return
	}

	created, err := m.hostClient.CreateSession(ctx, host.CreateSessionParams{
		ParentID: parentSessionID,
		Title:    description,
	})
	if err != nil {
		// finalize releases the permit (finalize.go), consistent with every
		// other startTask failure path: the permit is held until terminal,
		// not released here too.
		m.finalize(taskID, statemachine.Failed, finalizeOutcome{Error: fmt.Sprintf("create session: %v", err)})
		return
	}

	m.mu.Lock()
	result = m.transition(taskID, statemachine.Running, statemachine.Context{})
	m.mu.Unlock()
	if !result.Ok() {
		// Task reached a terminal state (almost always cancelled) while the
		// session was being created: whichever call committed that terminal
		// transition already ran finalize, which released this model's
		// permit — do not release it again here. The session never got
		// registered as a resource, since that only happens below once this
		// transition commits, so it still needs an out-of-band delete.
		_ = m.hostClient.DeleteSession(context.Background(), created.ID, "")
		return
	}

	m.mu.Lock()
	task.SessionID = created.ID
	task.StartedAt = time.Now().UTC()
	m.sessionIndex[created.ID] = taskID
	m.mu.Unlock()

	m.resources.Register(taskID, newSessionResource(m.hostClient, created.ID))

	m.emit(events.TaskStarted, taskID, task.StateVersion, map[string]any{"sessionId": created.ID})

	systemPrompt := fmt.Sprintf(backgroundTaskSystemPromptTemplate, taskID, agent, description, excerpt(prompt, 200), readOnlyClause(agent))

	if err := m.hostClient.Prompt(ctx, host.PromptParams{
		SessionID: created.ID,
		Body: host.PromptBody{
			Agent:  agent,
			Tools:  host.PromptTools{BackgroundTask: false, Task: false},
			Parts:  []host.PromptPart{{Type: "text", Text: prompt}},
			System: systemPrompt,
			Model:  model,
		},
		Directory: directory,
	}); err != nil {
		m.finalize(taskID, statemachine.Failed, finalizeOutcome{Error: fmt.Sprintf("prompt send: %v", err)})
		return
	}

	m.logger.WithTaskID(taskID).WithAgent(agent).Debug("task started", zap.String("session_id", created.ID))
}

func readOnlyClause(agent string) string {
	if ReadOnlyAgents[agent] {
		return ", and writes are forbidden for this read-only agent"
	}
	return ""
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
