// Package resources implements the per-task disposable-resource registry
// (spec.md §4.5): resources are disposed in priority order on task
// finalization or process exit, each bounded by a timeout raced against its
// dispose call, with failures collected into an aggregate error rather than
// aborting cleanup of the remaining resources. No direct teacher analog
// exists; written fresh, grounded in the teacher's AppError aggregate
// pattern (common/errors/errors.go) and signal-driven shutdown style seen in
// cmd/agent-manager/main.go.
package resources

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Resource is one disposable unit registered against a task (e.g. a child
// session handle, a terminal mirror pane, a temp directory).
type Resource interface {
	ID() string
	// Priority orders disposal; lower values are released first.
	Priority() int
	Dispose(ctx context.Context) error
	IsDisposed() bool
}

// Manager owns the per-task resource registry.
type Manager struct {
	mu        sync.Mutex
	byTask    map[string]map[string]Resource
	sigCancel func()
}

// New builds an empty resource manager.
func New() *Manager {
	return &Manager{byTask: make(map[string]map[string]Resource)}
}

// Register adds r under taskID. Registering a resource with an id already
// present for that task replaces it.
func (m *Manager) Register(taskID string, r Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byTask[taskID] == nil {
		m.byTask[taskID] = make(map[string]Resource)
	}
	m.byTask[taskID][r.ID()] = r
}

// AggregateError collects every dispose failure encountered during a single
// Cleanup call.
type AggregateError struct {
	Failures map[string]error
}

func (e *AggregateError) Error() string {
	return fmt.Sprintf("resources: %d of cleanup disposals failed", len(e.Failures))
}

// Cleanup disposes every resource registered for taskID, sorted by
// ascending priority, each call bounded by timeout. It always attempts every
// resource even if earlier ones fail or time out, returning a non-nil
// *AggregateError only if at least one disposal failed.
func (m *Manager) Cleanup(taskID string, timeout time.Duration) error {
	m.mu.Lock()
	set := m.byTask[taskID]
	delete(m.byTask, taskID)
	m.mu.Unlock()

	if len(set) == 0 {
		return nil
	}

	ordered := make([]Resource, 0, len(set))
	for _, r := range set {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Priority() < ordered[j].Priority() })

	failures := make(map[string]error)
	for _, r := range ordered {
		if r.IsDisposed() {
			continue
		}
		if err := disposeWithTimeout(r, timeout); err != nil {
			failures[r.ID()] = err
		}
	}

	if len(failures) > 0 {
		return &AggregateError{Failures: failures}
	}
	return nil
}

func disposeWithTimeout(r Resource, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Dispose(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("resource %s: dispose timed out after %s", r.ID(), timeout)
	}
}

// RegisterProcessExitCleanup installs a best-effort synchronous cleanup on
// SIGINT/SIGTERM: every still-registered resource across every task is
// disposed without waiting for completion (fire-and-forget), matching
// spec.md §4.5's "asynchronous disposals at that point are fire-and-forget."
// Returns a function to deregister the signal handler.
func (m *Manager) RegisterProcessExitCleanup() func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if _, ok := <-ch; !ok {
			return
		}
		m.cleanupAll()
	}()

	return func() {
		signal.Stop(ch)
		close(ch)
	}
}

func (m *Manager) cleanupAll() {
	m.mu.Lock()
	tasks := make([]string, 0, len(m.byTask))
	for taskID := range m.byTask {
		tasks = append(tasks, taskID)
	}
	m.mu.Unlock()

	for _, taskID := range tasks {
		m.mu.Lock()
		set := m.byTask[taskID]
		m.mu.Unlock()
		for _, r := range set {
			if r.IsDisposed() {
				continue
			}
			go func(res Resource) {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = res.Dispose(ctx)
			}(r)
		}
	}
}
