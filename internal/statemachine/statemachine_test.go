package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecord struct {
	status  Status
	version int
}

func (r *fakeRecord) GetStatus() Status      { return r.status }
func (r *fakeRecord) GetStateVersion() int   { return r.version }
func (r *fakeRecord) CompareAndSet(expected int, status Status, ctx Context) bool {
	if r.version != expected {
		return false
	}
	r.status = status
	r.version++
	return true
}

func TestTransition_HappyPath(t *testing.T) {
	table := DefaultTable()
	rec := &fakeRecord{status: Pending, version: 0}

	result, event := table.Transition("bg_1", rec, Starting, Context{})
	require.True(t, result.Ok())
	require.NotNil(t, event)
	assert.Equal(t, Pending, event.From)
	assert.Equal(t, Starting, event.To)
	assert.Equal(t, 1, event.Version)
	assert.Equal(t, Starting, rec.status)
	assert.Equal(t, 1, rec.version)
}

func TestTransition_RejectsDisallowedTarget(t *testing.T) {
	table := DefaultTable()
	rec := &fakeRecord{status: Pending, version: 0}

	result, event := table.Transition("bg_1", rec, Completed, Context{})
	assert.Equal(t, InvalidTransition, result.Code)
	assert.Nil(t, event)
	assert.Equal(t, Pending, rec.status, "rejected transition must not mutate the record")
}

func TestTransition_RejectsFromTerminalState(t *testing.T) {
	table := DefaultTable()
	rec := &fakeRecord{status: Completed, version: 3}

	result, event := table.Transition("bg_1", rec, Running, Context{})
	assert.Equal(t, InvalidTransition, result.Code)
	assert.Nil(t, event)
}

func TestTransition_VersionMismatchFromConcurrentMutation(t *testing.T) {
	rec := &fakeRecord{status: Running, version: 5}
	table := NewTable(
		StateDef{Status: Running, Allowed: allow(Completed), OnExit: func(string, Versioned, Context) error {
			// Simulates another goroutine advancing the record's version
			// between the exit hook and the compare-and-swap.
			rec.version++
			return nil
		}},
		StateDef{Status: Completed, Terminal: true},
	)

	result, event := table.Transition("bg_1", rec, Completed, Context{})
	assert.Equal(t, VersionMismatch, result.Code)
	assert.Nil(t, event)
}

func TestTransition_OnExitFailureAbortsTransition(t *testing.T) {
	boom := assertErr("exit failed")
	table := NewTable(
		StateDef{Status: Pending, Allowed: allow(Starting), OnExit: func(string, Versioned, Context) error { return boom }},
		StateDef{Status: Starting, Allowed: allow(Running)},
	)
	rec := &fakeRecord{status: Pending, version: 0}

	result, event := table.Transition("bg_1", rec, Starting, Context{})
	assert.Equal(t, ExitHookFailed, result.Code)
	assert.Nil(t, event)
	assert.Equal(t, Pending, rec.status)
}

func TestTransition_OnEnterFailureRoutesToRecovery(t *testing.T) {
	boom := assertErr("enter failed")
	table := NewTable(
		StateDef{Status: Starting, Allowed: allow(Running)},
		StateDef{Status: Running, Recovery: Failed, OnEnter: func(string, Versioned, Context) error { return boom }},
		StateDef{Status: Failed, Terminal: true},
	)
	rec := &fakeRecord{status: Starting, version: 0}

	result, event := table.Transition("bg_1", rec, Running, Context{})
	assert.Equal(t, EnterHookFailed, result.Code)
	assert.Nil(t, event)
	assert.Equal(t, Failed, rec.status, "failed enter hook must route the record to its declared recovery state")
}

func TestIsTerminal(t *testing.T) {
	table := DefaultTable()
	assert.True(t, table.IsTerminal(Completed))
	assert.True(t, table.IsTerminal(Failed))
	assert.True(t, table.IsTerminal(Cancelled))
	assert.False(t, table.IsTerminal(Running))
	assert.False(t, table.IsTerminal(Pending))
}

func TestWithHooks_DoesNotMutateOriginalTable(t *testing.T) {
	base := DefaultTable()
	called := false
	derived := base.WithHooks(Running, func(string, Versioned, Context) error {
		called = true
		return nil
	}, nil)

	rec := &fakeRecord{status: Starting, version: 0}
	_, _ = base.Transition("bg_1", rec, Running, Context{})
	assert.False(t, called, "hooks attached to the derived table must not run via the base table")

	rec2 := &fakeRecord{status: Starting, version: 0}
	_, _ = derived.Transition("bg_1", rec2, Running, Context{})
	assert.True(t, called)
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
