package bgtask

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nghyane/opencode-bgtask/internal/common/logger"
	"github.com/nghyane/opencode-bgtask/internal/host"
	"github.com/nghyane/opencode-bgtask/internal/notify"
	"github.com/nghyane/opencode-bgtask/internal/statemachine"
)

type notifyCapture struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (c *notifyCapture) send(ctx context.Context, parentSessionID string, msg notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *notifyCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *notifyCapture) last() notify.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[len(c.msgs)-1]
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeHost, *notifyCapture) {
	t.Helper()
	fh := newFakeHost()
	capture := &notifyCapture{}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	mgr, err := New(Deps{
		HostClient: fh,
		Send:       capture.send,
		Logger:     log,
		Config:     cfg,
	})
	require.NoError(t, err)
	return mgr, fh, capture
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.IdleDebounce = 20 * time.Millisecond
	cfg.OrphanSweepInterval = time.Hour
	return cfg
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

// Scenario 1 from spec.md §8: happy path.
func TestLaunch_HappyPath(t *testing.T) {
	mgr, fh, notifier := newTestManager(t, fastConfig())

	task, err := mgr.Launch(context.Background(), LaunchParams{
		ParentSessionID: "parent-1",
		Agent:           "explorer",
		Description:     "find tests",
		Prompt:          "list test files",
	})
	require.NoError(t, err)
	assert.True(t, ValidTaskID(task.ID))

	waitUntil(t, time.Second, func() bool {
		snap, ok := mgr.Snapshot(task.ID)
		return ok && snap.SessionID != ""
	})

	snap, _ := mgr.Snapshot(task.ID)
	sessionID := snap.SessionID
	fh.setMessages(sessionID, []host.Message{
		{Info: host.MessageInfo{Role: "assistant"}, Parts: []host.MessagePart{{Type: "text", Text: "Result"}}},
	})
	fh.emit(host.StatusEvent{SessionID: sessionID, Status: host.StatusIdle})

	waitUntil(t, time.Second, func() bool {
		snap, ok := mgr.Snapshot(task.ID)
		return ok && IsTerminal(snap.Status)
	})

	final, _ := mgr.Snapshot(task.ID)
	assert.Equal(t, statemachine.Completed, final.Status)
	assert.Equal(t, "Result", final.Result)
	assert.False(t, final.IsResultTruncated)

	waitUntil(t, time.Second, func() bool { return notifier.count() == 1 })
	assert.Equal(t, "completed", notifier.last().Status)
}

// Scenario 2: cancel during debounce.
func TestCancel_DuringDebounce(t *testing.T) {
	cfg := fastConfig()
	cfg.IdleDebounce = 100 * time.Millisecond
	mgr, fh, _ := newTestManager(t, cfg)

	task, err := mgr.Launch(context.Background(), LaunchParams{
		ParentSessionID: "parent-1",
		Agent:           "explorer",
		Description:     "d",
		Prompt:          "p",
	})
	require.NoError(t, err)

	waitUntil(t, time.Second, func() bool {
		snap, ok := mgr.Snapshot(task.ID)
		return ok && snap.SessionID != ""
	})
	snap, _ := mgr.Snapshot(task.ID)
	fh.emit(host.StatusEvent{SessionID: snap.SessionID, Status: host.StatusIdle})

	count := mgr.Cancel(task.ID)
	assert.Equal(t, 1, count)

	time.Sleep(200 * time.Millisecond)

	final, _ := mgr.Snapshot(task.ID)
	assert.Equal(t, statemachine.Cancelled, final.Status)
}

// Scenario 6: double cancel.
func TestCancel_Idempotent(t *testing.T) {
	mgr, fh, _ := newTestManager(t, fastConfig())

	task, err := mgr.Launch(context.Background(), LaunchParams{
		ParentSessionID: "parent-1",
		Agent:           "fixer",
		Description:     "d",
		Prompt:          "p",
	})
	require.NoError(t, err)

	waitUntil(t, time.Second, func() bool {
		snap, ok := mgr.Snapshot(task.ID)
		return ok && snap.SessionID != ""
	})
	snap, _ := mgr.Snapshot(task.ID)
	sessionID := snap.SessionID

	first := mgr.Cancel(task.ID)
	second := mgr.Cancel(task.ID)

	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second)
	waitUntil(t, time.Second, func() bool { return fh.deleteCount(sessionID) == 1 })
	assert.Equal(t, 1, fh.deleteCount(sessionID))
}

// Scenario 5: eviction.
func TestEviction_OverCap(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxCompletedTasks = 1
	mgr, fh, _ := newTestManager(t, cfg)

	launchAndComplete := func(desc string) string {
		task, err := mgr.Launch(context.Background(), LaunchParams{
			ParentSessionID: "parent-1",
			Agent:           "explorer",
			Description:     desc,
			Prompt:          "p",
		})
		require.NoError(t, err)

		waitUntil(t, time.Second, func() bool {
			snap, ok := mgr.Snapshot(task.ID)
			return ok && snap.SessionID != ""
		})
		snap, _ := mgr.Snapshot(task.ID)
		fh.setMessages(snap.SessionID, []host.Message{
			{Info: host.MessageInfo{Role: "assistant"}, Parts: []host.MessagePart{{Type: "text", Text: desc}}},
		})
		fh.emit(host.StatusEvent{SessionID: snap.SessionID, Status: host.StatusIdle})

		waitUntil(t, time.Second, func() bool {
			snap, ok := mgr.Snapshot(task.ID)
			return ok && IsTerminal(snap.Status)
		})
		return task.ID
	}

	taskA := launchAndComplete("A")
	taskB := launchAndComplete("B")

	_, okA := mgr.Snapshot(taskA)
	assert.False(t, okA, "task A should have been evicted")

	snapB, okB := mgr.Snapshot(taskB)
	require.True(t, okB)
	assert.Equal(t, "B", snapB.Result)
}

func TestLaunch_RejectsReadOnlyAgent(t *testing.T) {
	mgr, _, _ := newTestManager(t, fastConfig())

	_, err := mgr.Launch(context.Background(), LaunchParams{
		ParentSessionID: "parent-1",
		Agent:           "librarian",
		Description:     "d",
		Prompt:          "p",
	})
	require.Error(t, err)
}

func TestLaunch_RejectsUnknownAgent(t *testing.T) {
	mgr, _, _ := newTestManager(t, fastConfig())

	_, err := mgr.Launch(context.Background(), LaunchParams{
		ParentSessionID: "parent-1",
		Agent:           "not-a-real-agent",
		Description:     "d",
		Prompt:          "p",
	})
	require.Error(t, err)
}

func TestLaunch_RejectsWhilePaused(t *testing.T) {
	mgr, _, _ := newTestManager(t, fastConfig())
	mgr.Pause()

	_, err := mgr.Launch(context.Background(), LaunchParams{
		ParentSessionID: "parent-1",
		Agent:           "explorer",
		Description:     "d",
		Prompt:          "p",
	})
	require.Error(t, err)

	mgr.Resume()
	_, err = mgr.Launch(context.Background(), LaunchParams{
		ParentSessionID: "parent-1",
		Agent:           "explorer",
		Description:     "d",
		Prompt:          "p",
	})
	require.NoError(t, err)
}

func TestWaitForCompletion_UnknownTask(t *testing.T) {
	mgr, _, _ := newTestManager(t, fastConfig())
	_, ok := mgr.WaitForCompletion("bg_deadbeef", 10*time.Millisecond)
	assert.False(t, ok)
}

func TestWaitForCompletion_ResolvesOnTerminal(t *testing.T) {
	mgr, fh, _ := newTestManager(t, fastConfig())

	task, err := mgr.Launch(context.Background(), LaunchParams{
		ParentSessionID: "parent-1",
		Agent:           "explorer",
		Description:     "d",
		Prompt:          "p",
	})
	require.NoError(t, err)

	waitUntil(t, time.Second, func() bool {
		snap, ok := mgr.Snapshot(task.ID)
		return ok && snap.SessionID != ""
	})
	snap, _ := mgr.Snapshot(task.ID)
	fh.setMessages(snap.SessionID, []host.Message{
		{Info: host.MessageInfo{Role: "assistant"}, Parts: []host.MessagePart{{Type: "text", Text: "done"}}},
	})
	fh.emit(host.StatusEvent{SessionID: snap.SessionID, Status: host.StatusIdle})

	final, ok := mgr.WaitForCompletion(task.ID, time.Second)
	require.True(t, ok)
	assert.Equal(t, statemachine.Completed, final.Status)
}
