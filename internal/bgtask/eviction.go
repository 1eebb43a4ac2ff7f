package bgtask

// appendEvictionQueue records taskID in FIFO completion order (spec.md §3
// "FIFO eviction queue of terminal task ids in completion order").
func (m *Manager) appendEvictionQueue(taskID string) {
	m.mu.Lock()
	m.evictionQueue = append(m.evictionQueue, taskID)
	m.mu.Unlock()
}

// evictIfOverCap pops from the head of the eviction queue while its length
// exceeds maxCompletedTasks (spec.md §4.8 "Eviction").
func (m *Manager) evictIfOverCap() {
	for {
		m.mu.Lock()
		if len(m.evictionQueue) <= m.cfg.MaxCompletedTasks {
			m.mu.Unlock()
			return
		}
		evictID := m.evictionQueue[0]
		m.evictionQueue = m.evictionQueue[1:]
		task, ok := m.tasks[evictID]
		m.mu.Unlock()
		if ok {
			m.evictOne(evictID, task.SessionID, task.ParentSessionID)
		}
	}
}

// evictOne drops a terminal task's bookkeeping. Its host session, if any,
// was already deleted via the sessionResource disposed during finalize's
// release-resources saga step; eviction only ever runs after a task has
// reached a terminal state, so there is nothing left to tear down here.
func (m *Manager) evictOne(taskID, sessionID, parentSessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.pendingRetrieval[parentSessionID]; set != nil {
		delete(set, taskID)
	}
	if task, ok := m.tasks[taskID]; ok {
		task.Result = ""
		task.Error = ""
	}
	if set := m.parentIndex[parentSessionID]; set != nil {
		delete(set, taskID)
	}
	delete(m.sessionIndex, sessionID)
	delete(m.tasks, taskID)
}

// markPendingRetrieval records that taskID's completion notification has
// been dispatched but its result not yet consumed (spec.md §4.8
// "Pending-retrieval bookkeeping").
func (m *Manager) markPendingRetrieval(parentSessionID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingRetrieval[parentSessionID] == nil {
		m.pendingRetrieval[parentSessionID] = make(map[string]bool)
	}
	m.pendingRetrieval[parentSessionID][taskID] = true
}

// ClearPendingRetrieval is invoked by the retrieve tool once a result has
// been consumed (spec.md §6 "retrieve": "Clears pending-retrieval").
func (m *Manager) ClearPendingRetrieval(parentSessionID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.pendingRetrieval[parentSessionID]; set != nil {
		delete(set, taskID)
	}
}
