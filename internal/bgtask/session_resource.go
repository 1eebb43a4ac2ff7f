package bgtask

import (
	"context"
	"sync/atomic"

	"github.com/nghyane/opencode-bgtask/internal/host"
	"github.com/nghyane/opencode-bgtask/internal/resources"
)

// sessionResourcePriority is the only resource kind a task currently owns;
// the numeric value only matters relative to future resource kinds.
const sessionResourcePriority = 0

// sessionResource wraps a host child session as a resources.Resource so
// finalization's "release-resources" saga step (spec.md §4.7) is the single
// path that deletes it, instead of task code calling DeleteSession directly.
type sessionResource struct {
	client    host.Client
	sessionID string
	disposed  atomic.Bool
}

func newSessionResource(client host.Client, sessionID string) *sessionResource {
	return &sessionResource{client: client, sessionID: sessionID}
}

func (r *sessionResource) ID() string { return "session:" + r.sessionID }

func (r *sessionResource) Priority() int { return sessionResourcePriority }

func (r *sessionResource) IsDisposed() bool { return r.disposed.Load() }

func (r *sessionResource) Dispose(ctx context.Context) error {
	defer r.disposed.Store(true)
	return r.client.DeleteSession(ctx, r.sessionID, "")
}
