package mcptools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nghyane/opencode-bgtask/internal/bgtask"
	"github.com/nghyane/opencode-bgtask/internal/statemachine"
)

func TestFormatResult_CompletedTaskIncludesDurationAndResult(t *testing.T) {
	start := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	task := bgtask.Task{
		ID:          "bg_deadbeef",
		Status:      statemachine.Completed,
		Result:      "hello world",
		StartedAt:   start,
		CompletedAt: start.Add(2500 * time.Millisecond),
	}

	out := formatResult(task)
	assert.Contains(t, out, "Task: bg_deadbeef")
	assert.Contains(t, out, "Status: completed")
	assert.Contains(t, out, "Duration: 2.5s")
	assert.Contains(t, out, "Result size: 11 bytes")
	assert.Contains(t, out, "hello world")
}

func TestFormatResult_CancelledTaskWithoutResultUsesPlaceholder(t *testing.T) {
	task := bgtask.Task{ID: "bg_deadbeef", Status: statemachine.Cancelled}
	out := formatResult(task)
	assert.Contains(t, out, "(Task cancelled)")
}

func TestFormatResult_FailedTaskIncludesError(t *testing.T) {
	task := bgtask.Task{ID: "bg_deadbeef", Status: statemachine.Failed, Error: "boom"}
	out := formatResult(task)
	assert.Contains(t, out, "Error: boom")
	assert.Contains(t, out, "Result size: 4 bytes", "an empty failed result falls back to the error text")
}

func TestFormatResult_TruncatedResultAppendsNote(t *testing.T) {
	task := bgtask.Task{ID: "bg_deadbeef", Status: statemachine.Completed, Result: "partial", IsResultTruncated: true}
	out := formatResult(task)
	assert.Contains(t, out, "truncated to the 100 KiB limit")
}

func TestFormatResult_LargeResultAppendsDiscardHint(t *testing.T) {
	task := bgtask.Task{ID: "bg_deadbeef", Status: statemachine.Completed, Result: strings.Repeat("x", resultHintThreshold+1)}
	out := formatResult(task)
	assert.Contains(t, out, "extract what you need and discard the rest")
}

func TestFormatResult_SmallResultOmitsDiscardHint(t *testing.T) {
	task := bgtask.Task{ID: "bg_deadbeef", Status: statemachine.Completed, Result: "short"}
	out := formatResult(task)
	assert.NotContains(t, out, "extract what you need")
}

func TestSessionIDFromContext_RoundTrips(t *testing.T) {
	ctx := WithSessionID(context.Background(), "parent-42")
	assert.Equal(t, "parent-42", sessionIDFromContext(ctx))
}

func TestSessionIDFromContext_EmptyWhenUnset(t *testing.T) {
	assert.Equal(t, "", sessionIDFromContext(context.Background()))
}
