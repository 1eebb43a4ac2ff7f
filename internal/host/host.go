// Package host specifies the contract this plugin consumes from its host
// process (spec.md §6, "Host client contract"). The host itself — session
// storage, agent factories, prompt templates, the terminal-mirror pane
// manager — is an external collaborator outside this repository's scope;
// only the interface shape is owned here, grounded on the session-manager
// shape of the teacher's ACP client (acp/session.go).
package host

import "context"

// SessionStatusType is the status carried by a session.status event.
type SessionStatusType string

const (
	StatusIdle SessionStatusType = "idle"
	StatusBusy SessionStatusType = "busy"
)

// CreateSessionParams mirrors session.create's request body.
type CreateSessionParams struct {
	ParentID  string
	Title     string
	Directory string
}

// CreatedSession mirrors session.create's response.
type CreatedSession struct {
	ID string
}

// PromptTools toggles the tool surface visible to a child session. Both are
// always false for a child session: background tasks cannot launch background
// tasks, and a child task never re-exposes the launch/retrieve/cancel tools.
type PromptTools struct {
	BackgroundTask bool
	Task           bool
}

// PromptPart is one part of a prompt body (currently always type "text").
type PromptPart struct {
	Type string
	Text string
}

// PromptBody mirrors session.prompt's request body.
type PromptBody struct {
	Agent   string
	Tools   PromptTools
	Parts   []PromptPart
	System  string
	Variant string
	Model   string
}

// PromptParams mirrors session.prompt's full request, including the
// directory sent as a request option rather than part of the body.
type PromptParams struct {
	SessionID string
	Body      PromptBody
	Directory string
}

// MessagePart is one part of a stored message (text or reasoning content).
type MessagePart struct {
	Type string
	Text string
}

// MessageInfo carries the role and, for assistant messages, provider/model
// metadata returned alongside each message.
type MessageInfo struct {
	Role       string
	Model      string
	ModelID    string
	ProviderID string
}

// Message is one entry in session.messages's response.
type Message struct {
	Info  MessageInfo
	Parts []MessagePart
}

// StatusEvent mirrors a single session.status event.
type StatusEvent struct {
	SessionID string
	Status    SessionStatusType
}

// Client is the RPC surface the task manager consumes from the host. The
// host is assumed thread-safe for concurrent calls (spec.md §5); every call
// here is a suspension point after which callers must re-validate task
// state before mutating it.
type Client interface {
	// CreateSession creates a new child (or top-level) session.
	CreateSession(ctx context.Context, params CreateSessionParams) (CreatedSession, error)

	// Prompt sends a prompt body into an existing session.
	Prompt(ctx context.Context, params PromptParams) error

	// Messages fetches the full message history for a session.
	Messages(ctx context.Context, sessionID, directory string) ([]Message, error)

	// DeleteSession deletes a session. Failures are logged by callers but
	// never block state advancement (spec.md §7).
	DeleteSession(ctx context.Context, sessionID, directory string) error

	// SessionExists probes whether a session (typically a parent) is still
	// known to the host. Any error is treated as "gone" by callers.
	SessionExists(ctx context.Context, sessionID string) (bool, error)

	// Subscribe registers a listener for session.status events, returning an
	// unsubscribe function.
	Subscribe(handler func(StatusEvent)) (unsubscribe func())

	// SetSystemPrompt appends to (or replaces) the system-prompt array of a
	// session, used for the `<BackgroundTasks>` injection block.
	SetSystemPrompt(ctx context.Context, sessionID string, blocks []string) error
}
