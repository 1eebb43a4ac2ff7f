package bgtask

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nghyane/opencode-bgtask/internal/statemachine"
)

// StartOrphanSweep launches the periodic reconciliation loop (spec.md §4.8
// "Orphan sweep"). Returns a stop function.
func (m *Manager) StartOrphanSweep(ctx context.Context) func() {
	ticker := time.NewTicker(m.cfg.OrphanSweepInterval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweepOnce(ctx)
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

func (m *Manager) sweepOnce(ctx context.Context) {
	m.mu.Lock()
	type candidate struct {
		id              string
		parentSessionID string
		sessionID       string
		startedAt       time.Time
	}
	var candidates []candidate
	for id, task := range m.tasks {
		if task.Status == statemachine.Running || task.Status == statemachine.Starting {
			if m.finalizing[id] {
				continue
			}
			candidates = append(candidates, candidate{
				id:              id,
				parentSessionID: task.ParentSessionID,
				sessionID:       task.SessionID,
				startedAt:       task.StartedAt,
			})
		}
	}
	m.mu.Unlock()

	for _, c := range candidates {
		exists, err := m.hostClient.SessionExists(ctx, c.parentSessionID)
		if err != nil || !exists {
			partial, _ := m.bestEffortLastMessage(c.sessionID)
			m.finalize(c.id, statemachine.Failed, finalizeOutcome{
				Error:  "Parent session was deleted while task was running",
				Result: partial,
			})
			continue
		}

		if !c.startedAt.IsZero() && time.Since(c.startedAt) > m.cfg.RunningTimeout {
			partial, _ := m.bestEffortLastMessage(c.sessionID)
			m.finalize(c.id, statemachine.Failed, finalizeOutcome{
				Error:  "Task exceeded the maximum running duration",
				Result: partial,
			})
		}
	}

	m.logger.Debug("orphan sweep completed", zap.Int("candidates", len(candidates)))
}
