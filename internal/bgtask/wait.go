package bgtask

import (
	"time"
)

// WaitForCompletion implements spec.md §4.8 "Wait-for-completion". Returns
// (Task{}, false) if the task id is unknown. A zero timeout is rewritten to
// WaitMax (30 minutes by default).
func (m *Manager) WaitForCompletion(taskID string, timeout time.Duration) (Task, bool) {
	if timeout <= 0 {
		timeout = m.cfg.WaitMax
	}

	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return Task{}, false
	}
	if m.table.IsTerminal(task.Status) {
		snapshot := task.Snapshot()
		m.mu.Unlock()
		return snapshot, true
	}

	ch := make(chan Task, 1)
	m.waiters[taskID] = append(m.waiters[taskID], ch)
	m.mu.Unlock()

	// Close the check-then-register race: re-check terminality now that the
	// waiter is registered, in case finalize ran between the first check and
	// registration.
	m.mu.Lock()
	task, ok = m.tasks[taskID]
	if ok && m.table.IsTerminal(task.Status) {
		m.removeWaiterChan(taskID, ch)
		snapshot := task.Snapshot()
		m.mu.Unlock()
		return snapshot, true
	}
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result, true
	case <-timer.C:
		m.mu.Lock()
		m.removeWaiterChan(taskID, ch)
		task, ok = m.tasks[taskID]
		m.mu.Unlock()
		if !ok {
			return Task{}, false
		}
		return task.Snapshot(), true
	}
}

// removeWaiterChan must be called with m.mu held.
func (m *Manager) removeWaiterChan(taskID string, target chan Task) {
	chans := m.waiters[taskID]
	for i, ch := range chans {
		if ch == target {
			m.waiters[taskID] = append(chans[:i], chans[i+1:]...)
			return
		}
	}
}
