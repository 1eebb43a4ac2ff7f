package bgtask

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskID_MatchesFormat(t *testing.T) {
	id, err := NewTaskID()
	require.NoError(t, err)
	assert.True(t, ValidTaskID(id))
	assert.Len(t, id, 11)
	assert.Equal(t, "bg_", id[:3])
}

func TestNewTaskID_IsUnlikelyToCollide(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewTaskID()
		require.NoError(t, err)
		require.False(t, seen[id], "unexpected collision generating task ids")
		seen[id] = true
	}
}

func TestValidTaskID_RejectsMalformedInput(t *testing.T) {
	cases := []string{
		"",
		"bg_",
		"bg_abc",
		"bg_ABCDEF01",
		"task_deadbeef",
		"bg_deadbeef ",
		"bg_deadbeefx",
	}
	for _, c := range cases {
		assert.False(t, ValidTaskID(c), "expected %q to be invalid", c)
	}
}

func TestValidTaskID_AcceptsWellFormedID(t *testing.T) {
	assert.True(t, ValidTaskID("bg_deadbeef"))
	assert.True(t, ValidTaskID("bg_00000000"))
}
