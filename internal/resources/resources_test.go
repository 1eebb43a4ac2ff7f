package resources

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResource struct {
	id       string
	priority int
	delay    time.Duration
	err      error
	disposed atomic.Bool
}

func (r *fakeResource) ID() string       { return r.id }
func (r *fakeResource) Priority() int    { return r.priority }
func (r *fakeResource) IsDisposed() bool { return r.disposed.Load() }
func (r *fakeResource) Dispose(ctx context.Context) error {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.disposed.Store(true)
	return r.err
}

func TestCleanup_DisposesInPriorityOrder(t *testing.T) {
	m := New()
	var mu sync.Mutex
	var order []string
	record := func(id string) { mu.Lock(); order = append(order, id); mu.Unlock() }

	low := &fakeResource{id: "low", priority: 0}
	high := &fakeResource{id: "high", priority: 5}
	mid := &fakeResource{id: "mid", priority: 2}

	m.Register("task-1", &recordingResource{fakeResource: high, record: record})
	m.Register("task-1", &recordingResource{fakeResource: low, record: record})
	m.Register("task-1", &recordingResource{fakeResource: mid, record: record})

	err := m.Cleanup("task-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"low", "mid", "high"}, order)
}

type recordingResource struct {
	*fakeResource
	record func(string)
}

func (r *recordingResource) Dispose(ctx context.Context) error {
	err := r.fakeResource.Dispose(ctx)
	r.record(r.id)
	return err
}

func TestCleanup_ContinuesAfterAFailure(t *testing.T) {
	m := New()
	failing := &fakeResource{id: "failing", err: errors.New("dispose failed")}
	ok := &fakeResource{id: "ok"}

	m.Register("task-1", failing)
	m.Register("task-1", ok)

	err := m.Cleanup("task-1", time.Second)
	require.Error(t, err)
	var aggErr *AggregateError
	require.ErrorAs(t, err, &aggErr)
	assert.Contains(t, aggErr.Failures, "failing")
	assert.True(t, ok.IsDisposed(), "a failing resource must not block disposal of the rest")
}

func TestCleanup_TimesOutSlowResource(t *testing.T) {
	m := New()
	slow := &fakeResource{id: "slow", delay: 100 * time.Millisecond}
	m.Register("task-1", slow)

	err := m.Cleanup("task-1", 10*time.Millisecond)
	require.Error(t, err)
	var aggErr *AggregateError
	require.ErrorAs(t, err, &aggErr)
	assert.Contains(t, aggErr.Failures, "slow")
}

func TestCleanup_SkipsAlreadyDisposedResources(t *testing.T) {
	m := New()
	r := &fakeResource{id: "r"}
	r.disposed.Store(true)
	m.Register("task-1", r)

	err := m.Cleanup("task-1", time.Second)
	require.NoError(t, err)
}

func TestCleanup_EmptySetIsNoOp(t *testing.T) {
	m := New()
	err := m.Cleanup("no-such-task", time.Second)
	assert.NoError(t, err)
}

func TestCleanup_RemovesTaskFromRegistry(t *testing.T) {
	m := New()
	r := &fakeResource{id: "r"}
	m.Register("task-1", r)

	require.NoError(t, m.Cleanup("task-1", time.Second))

	r2 := &fakeResource{id: "r"}
	m.Register("task-1", r2)
	require.NoError(t, m.Cleanup("task-1", time.Second))
	assert.True(t, r2.IsDisposed(), "resources registered after a Cleanup must still be tracked")
}

func TestRegister_ReplacesSameID(t *testing.T) {
	m := New()
	first := &fakeResource{id: "dup"}
	second := &fakeResource{id: "dup"}

	m.Register("task-1", first)
	m.Register("task-1", second)

	require.NoError(t, m.Cleanup("task-1", time.Second))
	assert.False(t, first.IsDisposed(), "replaced registration must not be disposed")
	assert.True(t, second.IsDisposed())
}
