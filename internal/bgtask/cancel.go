package bgtask

import (
	"github.com/nghyane/opencode-bgtask/internal/statemachine"
)

// Cancel implements spec.md §4.8 "Cancel" for a single task id. Returns 1 if
// the task was cancelled, 0 if it was absent, already terminal, or the
// transition was refused (e.g. a concurrent cancel already won). The
// current -> cancelled transition is committed inside finalize, not here, so
// the full finalization chain (saga session teardown, notification,
// eviction, limiter release, waiter resolution) always runs for a
// successful cancel.
func (m *Manager) Cancel(taskID string) int {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || m.table.IsTerminal(task.Status) {
		m.mu.Unlock()
		return 0
	}
	wasPending := task.Status == statemachine.Pending
	sessionID := task.SessionID
	m.mu.Unlock()

	m.idleTimers.Cancel(taskID)

	if wasPending {
		m.admission.remove(taskID)
	}

	outcome := finalizeOutcome{}
	if sessionID != "" {
		// Session deletion happens via the registered sessionResource during
		// finalize's release-resources saga step, not here.
		partial, _ := m.bestEffortLastMessage(sessionID)
		if partial == "" {
			partial = "(Task cancelled - no output)"
		}
		outcome.Result = partial
	}

	if !m.finalize(taskID, statemachine.Cancelled, outcome) {
		return 0
	}

	return 1
}

// CancelAll cancels every non-terminal task and returns the total count
// cancelled (spec.md §6 "cancel" with `all: true`).
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tasks))
	for id, task := range m.tasks {
		if !m.table.IsTerminal(task.Status) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	count := 0
	for _, id := range ids {
		count += m.Cancel(id)
	}
	return count
}
