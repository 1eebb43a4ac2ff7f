package bgtask

import (
	"context"
	"fmt"
	"sync"

	"github.com/nghyane/opencode-bgtask/internal/host"
)

// fakeHost is a hand-rolled in-memory host.Client, matching the teacher's
// preference for fake collaborators over a mocking framework (SPEC_FULL.md
// "Test tooling").
type fakeHost struct {
	mu sync.Mutex

	nextID    int
	sessions  map[string]bool
	parents   map[string]bool
	messages  map[string][]host.Message
	deleted   []string
	prompts   []host.PromptParams
	listeners []func(host.StatusEvent)

	createErr  error
	promptErr  error
	messageErr map[string]error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		sessions:   make(map[string]bool),
		parents:    make(map[string]bool),
		messages:   make(map[string][]host.Message),
		messageErr: make(map[string]error),
	}
}

func (f *fakeHost) CreateSession(ctx context.Context, params host.CreateSessionParams) (host.CreatedSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return host.CreatedSession{}, f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("s%d", f.nextID)
	f.sessions[id] = true
	return host.CreatedSession{ID: id}, nil
}

func (f *fakeHost) Prompt(ctx context.Context, params host.PromptParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, params)
	return f.promptErr
}

func (f *fakeHost) Messages(ctx context.Context, sessionID, directory string) ([]host.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.messageErr[sessionID]; ok {
		return nil, err
	}
	return f.messages[sessionID], nil
}

func (f *fakeHost) DeleteSession(ctx context.Context, sessionID, directory string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	f.deleted = append(f.deleted, sessionID)
	return nil
}

func (f *fakeHost) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.parents[sessionID] {
		return true, nil
	}
	return false, nil
}

func (f *fakeHost) Subscribe(handler func(host.StatusEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, handler)
	idx := len(f.listeners) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listeners[idx] = nil
	}
}

func (f *fakeHost) SetSystemPrompt(ctx context.Context, sessionID string, blocks []string) error {
	return nil
}

func (f *fakeHost) emit(evt host.StatusEvent) {
	f.mu.Lock()
	handlers := make([]func(host.StatusEvent), 0, len(f.listeners))
	for _, h := range f.listeners {
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (f *fakeHost) setMessages(sessionID string, msgs []host.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[sessionID] = msgs
}

func (f *fakeHost) allowParent(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parents[sessionID] = true
}

func (f *fakeHost) deleteCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, id := range f.deleted {
		if id == sessionID {
			count++
		}
	}
	return count
}
