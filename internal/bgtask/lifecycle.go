package bgtask

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nghyane/opencode-bgtask/internal/persistence"
	"github.com/nghyane/opencode-bgtask/internal/statemachine"
)

// Pause sets the internal flag Launch checks before admitting new work
// (spec.md §4.8 "Graceful shutdown"). It does not affect tasks already
// running or queued.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// Resume clears the pause flag.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
}

// Paused reports the current pause state.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// ErrDrainTimeout is returned by Drain if running/starting tasks remain when
// the timeout elapses.
var ErrDrainTimeout = fmt.Errorf("bgtask: drain timed out with tasks still running")

// Drain polls for every running/starting task to reach a terminal state,
// returning once none remain or ErrDrainTimeout if timeout elapses first
// (spec.md §4.8 "Graceful shutdown").
func (m *Manager) Drain(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		if m.activeCount() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrDrainTimeout
		}
		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, task := range m.tasks {
		if task.Status == statemachine.Running || task.Status == statemachine.Starting {
			count++
		}
	}
	return count
}

// SaveState serializes the task table to disk (spec.md §4.8 "saveState").
func (m *Manager) SaveState() error {
	if m.persist == nil {
		return nil
	}
	m.mu.Lock()
	records := make(map[string]persistence.Record, len(m.tasks))
	for id, t := range m.tasks {
		records[id] = toRecord(t)
	}
	m.mu.Unlock()

	return m.persist.Save(records)
}

// LoadState restores the task table from disk, forcing any recovered
// running/starting row to failed (spec.md §4.8 "loadState"). Must be called
// before StartOrphanSweep / serving any launches.
func (m *Manager) LoadState() error {
	if m.persist == nil {
		return nil
	}
	result, err := persistence.Load(m.persist.Path(), time.Now())
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range result.Tasks {
		task := fromRecord(id, rec)
		m.tasks[id] = task
		if m.parentIndex[task.ParentSessionID] == nil {
			m.parentIndex[task.ParentSessionID] = make(map[string]bool)
		}
		m.parentIndex[task.ParentSessionID][id] = true
		if task.SessionID != "" && !m.table.IsTerminal(task.Status) {
			m.sessionIndex[task.SessionID] = id
		}
		if m.table.IsTerminal(task.Status) {
			m.evictionQueue = append(m.evictionQueue, id)
		}
	}
	return nil
}

func toRecord(t *Task) persistence.Record {
	rec := persistence.Record{
		ID:                t.ID,
		SessionID:         t.SessionID,
		ParentSessionID:   t.ParentSessionID,
		Agent:             t.Agent,
		Description:       t.Description,
		Prompt:            t.Prompt,
		Model:             t.Model,
		Status:            string(t.Status),
		StateVersion:      t.StateVersion,
		NotificationState: string(t.NotificationState),
		Result:            t.Result,
		Error:             t.Error,
		IsResultTruncated: t.IsResultTruncated,
	}
	if !t.StartedAt.IsZero() {
		rec.StartedAt = t.StartedAt.UTC().Format(time.RFC3339)
	}
	if !t.CompletedAt.IsZero() {
		rec.CompletedAt = t.CompletedAt.UTC().Format(time.RFC3339)
	}
	return rec
}

func fromRecord(id string, rec persistence.Record) *Task {
	task := &Task{
		ID:                id,
		SessionID:         rec.SessionID,
		ParentSessionID:   rec.ParentSessionID,
		Agent:             rec.Agent,
		Description:       rec.Description,
		Prompt:            rec.Prompt,
		Model:             rec.Model,
		Status:            statemachine.Status(rec.Status),
		StateVersion:      rec.StateVersion,
		NotificationState: NotificationState(rec.NotificationState),
		Result:            rec.Result,
		Error:             rec.Error,
		IsResultTruncated: rec.IsResultTruncated,
	}
	if t, err := time.Parse(time.RFC3339, rec.StartedAt); err == nil {
		task.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339, rec.CompletedAt); err == nil {
		task.CompletedAt = t
	}
	return task
}

const backgroundTasksBlockHeader = "<BackgroundTasks>"
const backgroundTasksBlockFooter = "</BackgroundTasks>"

// InjectSystemPrompt implements spec.md §4.8 "System-prompt injection": if
// no tasks are indexed under parentSessionID, it is a no-op; otherwise it
// enumerates running and pending-retrieval tasks into a `<BackgroundTasks>`
// block appended to the parent's system prompt.
func (m *Manager) InjectSystemPrompt(ctx context.Context, parentSessionID string) error {
	m.mu.Lock()
	ids := m.parentIndex[parentSessionID]
	if len(ids) == 0 {
		m.mu.Unlock()
		return nil
	}

	var lines []string
	for id := range ids {
		task, ok := m.tasks[id]
		if !ok {
			continue
		}
		pending := m.pendingRetrieval[parentSessionID][id]
		if task.Status == statemachine.Running || pending {
			lines = append(lines, fmt.Sprintf("- %s (%s): %s", id, task.Status, task.Description))
		}
	}
	m.mu.Unlock()

	if len(lines) == 0 {
		return nil
	}

	block := backgroundTasksBlockHeader + "\n" + strings.Join(lines, "\n") + "\n" + backgroundTasksBlockFooter
	return m.hostClient.SetSystemPrompt(ctx, parentSessionID, []string{block})
}
