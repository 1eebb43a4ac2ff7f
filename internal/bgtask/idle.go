package bgtask

import (
	"github.com/nghyane/opencode-bgtask/internal/debounce"
	"github.com/nghyane/opencode-bgtask/internal/host"
)

// handleStatusEvent implements idle detection (spec.md §4.8 "Idle
// detection"): an idle event (re)starts the per-task debounce timer, a busy
// event cancels it, everything else is ignored.
func (m *Manager) handleStatusEvent(evt host.StatusEvent) {
	m.mu.Lock()
	taskID, ok := m.sessionIndex[evt.SessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	switch evt.Status {
	case host.StatusIdle:
		m.armIdleDebounce(taskID)
	case host.StatusBusy:
		m.idleTimers.Cancel(taskID)
	}
}

func (m *Manager) armIdleDebounce(taskID string) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	isRunning := ok && task.Status == "running"
	m.mu.Unlock()
	if !isRunning {
		return
	}

	m.idleTimers.Reset(taskID, m.cfg.IdleDebounce, func() {
		m.resolveTaskSession(taskID)
	})
}

// newIdleTimers builds the debounce group that holds each task's idle timer.
func newIdleTimers() *debounce.Group {
	return debounce.New()
}
