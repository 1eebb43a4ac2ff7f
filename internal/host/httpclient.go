package host

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HTTPConfig configures HTTPClient. The host process (an opencode-style
// server) is expected to expose a small session-oriented REST surface plus
// a newline-delimited JSON event stream, matching spec.md §6's RPC shapes.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPClient is built on net/http (plus google/uuid for request ids): it is
// pure wire translation between host.Client's interface and the host's
// HTTP+NDJSON surface, with no business logic of its own, so no third-party
// HTTP client
// from the retrieval pack (none was in scope — gin/gorilla-websocket are
// server-side frameworks, not outbound clients) earns its weight here; see
// DESIGN.md.
type HTTPClient struct {
	baseURL string
	http    *http.Client

	mu   sync.Mutex
	subs []func(StatusEvent)

	streamCancel context.CancelFunc
}

// NewHTTPClient builds an HTTPClient and starts consuming the host's
// `/event` status stream in the background.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c := &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.streamCancel = cancel
	go c.consumeEvents(ctx)
	return c
}

// Close stops the background event stream.
func (c *HTTPClient) Close() {
	c.streamCancel()
}

type createSessionRequest struct {
	ParentID  string `json:"parentID,omitempty"`
	Title     string `json:"title,omitempty"`
	Directory string `json:"directory,omitempty"`
}

type createSessionResponse struct {
	ID string `json:"id"`
}

func (c *HTTPClient) CreateSession(ctx context.Context, params CreateSessionParams) (CreatedSession, error) {
	var resp createSessionResponse
	err := c.do(ctx, http.MethodPost, "/session", createSessionRequest{
		ParentID:  params.ParentID,
		Title:     params.Title,
		Directory: params.Directory,
	}, &resp)
	if err != nil {
		return CreatedSession{}, err
	}
	return CreatedSession{ID: resp.ID}, nil
}

type promptRequest struct {
	Agent   string       `json:"agent,omitempty"`
	Tools   PromptTools  `json:"tools"`
	Parts   []PromptPart `json:"parts"`
	System  string       `json:"system,omitempty"`
	Variant string       `json:"variant,omitempty"`
	Model   string       `json:"model,omitempty"`
}

func (c *HTTPClient) Prompt(ctx context.Context, params PromptParams) error {
	path := fmt.Sprintf("/session/%s/prompt", params.SessionID)
	if params.Directory != "" {
		path += "?directory=" + params.Directory
	}
	return c.do(ctx, http.MethodPost, path, promptRequest{
		Agent:   params.Body.Agent,
		Tools:   params.Body.Tools,
		Parts:   params.Body.Parts,
		System:  params.Body.System,
		Variant: params.Body.Variant,
		Model:   params.Body.Model,
	}, nil)
}

func (c *HTTPClient) Messages(ctx context.Context, sessionID, directory string) ([]Message, error) {
	path := fmt.Sprintf("/session/%s/message", sessionID)
	if directory != "" {
		path += "?directory=" + directory
	}
	var messages []Message
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *HTTPClient) DeleteSession(ctx context.Context, sessionID, directory string) error {
	path := fmt.Sprintf("/session/%s", sessionID)
	if directory != "" {
		path += "?directory=" + directory
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/session/"+sessionID, nil, &out); err != nil {
		return false, err
	}
	return out.ID == sessionID, nil
}

func (c *HTTPClient) Subscribe(handler func(StatusEvent)) (unsubscribe func()) {
	c.mu.Lock()
	c.subs = append(c.subs, handler)
	idx := len(c.subs) - 1
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.subs) {
			c.subs[idx] = nil
		}
	}
}

type setSystemPromptRequest struct {
	Blocks []string `json:"blocks"`
}

func (c *HTTPClient) SetSystemPrompt(ctx context.Context, sessionID string, blocks []string) error {
	path := fmt.Sprintf("/session/%s/system-prompt", sessionID)
	return c.do(ctx, http.MethodPost, path, setSystemPromptRequest{Blocks: blocks}, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", uuid.New().String())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("host: %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type rawStatusEvent struct {
	Type       string `json:"type"`
	Properties struct {
		SessionID string `json:"sessionID"`
		Status    struct {
			Type string `json:"type"`
		} `json:"status"`
	} `json:"properties"`
}

// consumeEvents streams newline-delimited JSON events from the host's
// `/event` endpoint and fans session.status events out to subscribers,
// reconnecting with a fixed backoff if the stream drops.
func (c *HTTPClient) consumeEvents(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.streamOnce(ctx); err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (c *HTTPClient) streamOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt rawStatusEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		if evt.Type != "session.status" {
			continue
		}
		statusEvent := StatusEvent{
			SessionID: evt.Properties.SessionID,
			Status:    SessionStatusType(evt.Properties.Status.Type),
		}
		c.dispatch(statusEvent)
	}
	return scanner.Err()
}

func (c *HTTPClient) dispatch(evt StatusEvent) {
	c.mu.Lock()
	handlers := make([]func(StatusEvent), 0, len(c.subs))
	for _, h := range c.subs {
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
}
