// Package bgtask implements the Background Task Manager core (spec.md §2,
// §4.8): the supervisor owning every task's lifecycle from launch through
// terminal finalization. It is the hard engineering in the repository,
// wiring together the statemachine, limiter, breaker, resources, saga,
// notify, metrics, persistence and host packages. Grounded throughout on
// the teacher's agent lifecycle manager (agent/lifecycle/manager.go) for
// its composition-root shape (a central Manager struct wiring many
// collaborators via constructor injection) and on its orchestrator executor
// (orchestrator/executor/executor.go) for admission-under-concurrency-cap.
package bgtask

import (
	"time"

	"github.com/nghyane/opencode-bgtask/internal/statemachine"
)

// NotificationState is the completion-notification delivery state,
// independent of task Status (spec.md §3).
type NotificationState string

const (
	NotificationPending NotificationState = "pending"
	NotificationSending NotificationState = "sending"
	NotificationSent    NotificationState = "sent"
	NotificationFailed  NotificationState = "failed"
)

// Task is the central record (spec.md §3).
type Task struct {
	ID                string
	SessionID         string
	ParentSessionID   string
	Agent             string
	Description       string
	Prompt            string
	Model             string
	Status            statemachine.Status
	StateVersion      int
	NotificationState NotificationState
	Result            string
	Error             string
	IsResultTruncated bool
	StartedAt         time.Time
	CompletedAt       time.Time
}

// Snapshot returns a copy of t. External callers (tool handlers, tests) only
// ever see tasks through snapshots — the manager exclusively owns the live
// record (spec.md §3 "Ownership").
func (t *Task) Snapshot() Task {
	return *t
}

// GetStatus implements statemachine.Versioned.
func (t *Task) GetStatus() statemachine.Status { return t.Status }

// GetStateVersion implements statemachine.Versioned.
func (t *Task) GetStateVersion() int { return t.StateVersion }

// CompareAndSet implements statemachine.Applier. Callers hold the manager's
// mutex while mutating any Task, so this is a plain version check rather
// than an atomic primitive (spec.md §5).
func (t *Task) CompareAndSet(expectedVersion int, status statemachine.Status, ctx statemachine.Context) bool {
	if t.StateVersion != expectedVersion {
		return false
	}
	t.Status = status
	t.StateVersion++
	if ctx.Error != "" {
		t.Error = ctx.Error
	}
	if ctx.Result != "" {
		t.Result = ctx.Result
	}
	if ctx.Truncated {
		t.IsResultTruncated = true
	}
	return true
}

// Config holds the manager's tunables (spec.md §6 defaults).
type Config struct {
	MaxConcurrentStarts int
	MaxCompletedTasks   int
	IdleDebounce        time.Duration
	ResultMaxBytes      int
	NotificationRetries int
	NotificationDelay   time.Duration
	OrphanSweepInterval time.Duration
	RunningTimeout      time.Duration
	WaitMax             time.Duration
	StartingTimeout     time.Duration
	PendingTimeout      time.Duration
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentStarts: 10,
		MaxCompletedTasks:   100,
		IdleDebounce:        500 * time.Millisecond,
		ResultMaxBytes:      100 * 1024,
		NotificationRetries: 3,
		NotificationDelay:   1 * time.Second,
		OrphanSweepInterval: 60 * time.Second,
		RunningTimeout:      30 * time.Minute,
		WaitMax:             30 * time.Minute,
		StartingTimeout:     30 * time.Second,
		PendingTimeout:      60 * time.Second,
	}
}

// ReadOnlyAgents is the closed set of agents forbidden from launching
// background tasks (spec.md §6).
var ReadOnlyAgents = map[string]bool{
	"explorer":  true,
	"librarian": true,
}

// AllowedAgents is the closed subagent enumeration (spec.md §6).
var AllowedAgents = map[string]bool{
	"orchestrator": true,
	"explorer":     true,
	"librarian":    true,
	"oracle":       true,
	"designer":     true,
	"fixer":        true,
}

// truncationMarker is appended when a result is truncated to the 100 KiB
// cap (spec.md §3 invariant 6).
const truncationMarker = "\n... [truncated]"

func truncate(raw string, maxBytes int) (value string, truncated bool) {
	if len(raw) <= maxBytes {
		return raw, false
	}
	markerLen := len(truncationMarker)
	if maxBytes <= markerLen {
		return raw[:maxBytes], true
	}
	return raw[:maxBytes-markerLen] + truncationMarker, true
}
