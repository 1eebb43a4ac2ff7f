// Package statemachine implements the table-driven task state machine
// (spec.md §4.4): valid transitions, terminal states, enter/exit hooks,
// recovery states, and atomic compare-and-swap on a per-task monotonic
// version. There is no direct teacher analog for this subsystem — it is
// written fresh in the teacher's idiom (typed result codes instead of
// thrown exceptions, small table-driven dispatch, zap-style structured
// logging) generalized from the transition-table shape implied by the
// teacher's own agent lifecycle manager (agent/lifecycle/manager.go), which
// drives a comparable multi-state agent lifecycle through named setter
// methods rather than a literal table.
package statemachine

import (
	"fmt"
)

// Status is one of the task's lifecycle states.
type Status string

const (
	Pending   Status = "pending"
	Starting  Status = "starting"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// ResultCode distinguishes why a transition did not commit.
type ResultCode string

const (
	OK                 ResultCode = "OK"
	InvalidTransition  ResultCode = "INVALID_TRANSITION"
	ExitHookFailed     ResultCode = "EXIT_HOOK_FAILED"
	EnterHookFailed    ResultCode = "ENTER_HOOK_FAILED"
	VersionMismatch    ResultCode = "VERSION_MISMATCH"
)

// Result is the outcome of a Transition call.
type Result struct {
	Code ResultCode
	Err  error
}

func (r Result) Ok() bool { return r.Code == OK }

// Versioned is implemented by whatever record the state machine drives (the
// task). The state machine only ever reads/writes Status and StateVersion
// through this interface; all other fields are caller-managed via Context.
type Versioned interface {
	GetStatus() Status
	GetStateVersion() int
}

// Context carries the fields a transition may apply to the driven record —
// populated by the caller (the task manager) and applied by the caller's
// Applier.CompareAndSet, not by the state machine itself, which knows
// nothing about task internals beyond status/version.
type Context struct {
	Error     string
	Result    string
	Truncated bool
}

// Hook runs on entering or exiting a state. It receives the task id, the
// versioned record at the moment of the hook call, and the transition
// context. An OnExit error aborts the transition; an OnEnter error, which
// comes after the commit, moves the record to the target's Recovery state.
type Hook func(taskID string, rec Versioned, ctx Context) error

// StateDef describes one row of the transition table.
type StateDef struct {
	Status   Status
	Allowed  map[Status]bool
	Terminal bool
	// Recovery is the state entered if this state's OnEnter hook fails, or
	// the zero value if this state has no declared recovery.
	Recovery Status
	OnEnter  Hook
	OnExit   Hook
}

// TransitionEvent is emitted by the driver (not the state machine itself —
// the caller is responsible for wiring this onto the event bus as
// task.transition) after a transition commits.
type TransitionEvent struct {
	TaskID  string
	From    Status
	To      Status
	Version int
}

// Applier commits a transition's effects onto the driven record: setting
// status, incrementing version, and applying ctx fields. It is supplied by
// the caller (the task manager owns the actual Task struct) and must be
// atomic with respect to concurrent transitions on the same task — the task
// manager calls it only while holding its own mutex.
type Applier interface {
	Versioned
	// CompareAndSet applies status/ctx if the record's current version
	// still equals expectedVersion, returning false on mismatch.
	CompareAndSet(expectedVersion int, status Status, ctx Context) bool
}

// Table is the table-driven default transition graph from spec.md §4.4.
type Table struct {
	defs map[Status]StateDef
}

// NewTable builds a Table from the given state definitions.
func NewTable(defs ...StateDef) *Table {
	t := &Table{defs: make(map[Status]StateDef, len(defs))}
	for _, d := range defs {
		t.defs[d.Status] = d
	}
	return t
}

// DefaultTable builds the spec.md §4.4 default table with no hooks attached;
// callers wire OnEnter/OnExit via WithHooks before use.
func DefaultTable() *Table {
	return NewTable(
		StateDef{Status: Pending, Allowed: allow(Starting, Cancelled), Recovery: Cancelled},
		StateDef{Status: Starting, Allowed: allow(Running, Failed, Cancelled), Recovery: Failed},
		StateDef{Status: Running, Allowed: allow(Completed, Failed, Cancelled), Recovery: Failed},
		StateDef{Status: Completed, Terminal: true},
		StateDef{Status: Failed, Terminal: true},
		StateDef{Status: Cancelled, Terminal: true},
	)
}

func allow(states ...Status) map[Status]bool {
	m := make(map[Status]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// WithHooks returns a copy of the table with the named state's hooks set.
func (t *Table) WithHooks(status Status, onEnter, onExit Hook) *Table {
	out := &Table{defs: make(map[Status]StateDef, len(t.defs))}
	for k, v := range t.defs {
		out.defs[k] = v
	}
	def := out.defs[status]
	def.OnEnter = onEnter
	def.OnExit = onExit
	out.defs[status] = def
	return out
}

// IsTerminal reports whether status is a terminal state in this table.
func (t *Table) IsTerminal(status Status) bool {
	return t.defs[status].Terminal
}

// Transition performs the five-step commit protocol from spec.md §4.4 and
// returns the emitted event alongside the result when Code == OK.
func (t *Table) Transition(taskID string, rec Applier, target Status, ctx Context) (Result, *TransitionEvent) {
	from := rec.GetStatus()
	def, ok := t.defs[from]
	if !ok {
		return Result{Code: InvalidTransition, Err: fmt.Errorf("unknown state %q", from)}, nil
	}
	if !def.Allowed[target] {
		return Result{Code: InvalidTransition, Err: fmt.Errorf("%s -> %s is not allowed", from, target)}, nil
	}

	expectedVersion := rec.GetStateVersion()

	if def.OnExit != nil {
		if err := def.OnExit(taskID, rec, ctx); err != nil {
			return Result{Code: ExitHookFailed, Err: err}, nil
		}
	}

	if rec.GetStateVersion() != expectedVersion {
		return Result{Code: VersionMismatch, Err: fmt.Errorf("stateVersion advanced during exit hook for task %s", taskID)}, nil
	}

	if !rec.CompareAndSet(expectedVersion, target, ctx) {
		return Result{Code: VersionMismatch, Err: fmt.Errorf("compare-and-swap failed for task %s", taskID)}, nil
	}
	newVersion := rec.GetStateVersion()

	targetDef := t.defs[target]
	if targetDef.OnEnter != nil {
		if err := targetDef.OnEnter(taskID, rec, ctx); err != nil {
			if targetDef.Recovery != "" && targetDef.Recovery != target {
				recoveryCtx := Context{Error: fmt.Sprintf("enter hook failed for %s: %v", target, err)}
				rec.CompareAndSet(newVersion, targetDef.Recovery, recoveryCtx)
			}
			return Result{Code: EnterHookFailed, Err: err}, nil
		}
	}

	event := &TransitionEvent{TaskID: taskID, From: from, To: target, Version: rec.GetStateVersion()}
	return Result{Code: OK}, event
}
