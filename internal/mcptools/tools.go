package mcptools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/nghyane/opencode-bgtask/internal/bgtask"
	"github.com/nghyane/opencode-bgtask/internal/common/logger"
)

// waitToolTimeout is the window `launch` will wait in when `wait: true` is
// requested (spec.md §6 "launch").
const waitToolTimeout = 30 * time.Second

// resultHintThreshold is the character count above which retrieve appends a
// hint to discard output after extracting findings (spec.md §6 "retrieve").
const resultHintThreshold = 5000

func registerTools(s *server.MCPServer, manager *bgtask.Manager, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("background_task_launch",
			mcp.WithDescription("Launch a specialist agent as an isolated background task. Returns the task id immediately unless wait is true."),
			mcp.WithString("description",
				mcp.Required(),
				mcp.Description("Short human label for the task"),
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The initial instruction sent to the background agent"),
			),
			mcp.WithString("agent",
				mcp.Required(),
				mcp.Description("Subagent name: orchestrator, explorer, librarian, oracle, designer, or fixer"),
			),
			mcp.WithBoolean("wait",
				mcp.Description("If true, wait up to 30 seconds for the task to finish before returning"),
			),
		),
		launchHandler(manager, log),
	)

	s.AddTool(
		mcp.NewTool("background_task_retrieve",
			mcp.WithDescription("Retrieve the stored result of a completed background task."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task id returned by background_task_launch"),
			),
		),
		retrieveHandler(manager, log),
	)

	s.AddTool(
		mcp.NewTool("background_task_cancel",
			mcp.WithDescription("Cancel one background task, or all of them."),
			mcp.WithString("task_id",
				mcp.Description("The task id to cancel"),
			),
			mcp.WithBoolean("all",
				mcp.Description("Cancel every non-terminal background task"),
			),
		),
		cancelHandler(manager, log),
	)
}

func launchHandler(manager *bgtask.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		description, err := req.RequireString("description")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agent, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		wait := req.GetBool("wait", false)

		parentSessionID := sessionIDFromContext(ctx)

		task, err := manager.Launch(ctx, bgtask.LaunchParams{
			ParentSessionID: parentSessionID,
			Description:     description,
			Prompt:          prompt,
			Agent:           agent,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if !wait {
			return mcp.NewToolResultText(task.ID), nil
		}

		final, ok := manager.WaitForCompletion(task.ID, waitToolTimeout)
		if !ok {
			return mcp.NewToolResultText(task.ID), nil
		}
		if !bgtask.IsTerminal(final.Status) {
			log.Info("launch wait window elapsed before terminality", zap.String("task_id", task.ID))
			return mcp.NewToolResultText(task.ID), nil
		}
		return mcp.NewToolResultText(formatResult(final)), nil
	}
}

func retrieveHandler(manager *bgtask.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !bgtask.ValidTaskID(taskID) {
			return mcp.NewToolResultError(fmt.Sprintf("malformed task id %q", taskID)), nil
		}

		task, ok := manager.Snapshot(taskID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown task %q", taskID)), nil
		}
		if !bgtask.IsTerminal(task.Status) {
			return mcp.NewToolResultError("task is not yet terminal: stop polling, wait for notification"), nil
		}

		manager.ClearPendingRetrieval(task.ParentSessionID, taskID)

		return mcp.NewToolResultText(formatResult(task)), nil
	}
}

func cancelHandler(manager *bgtask.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		all := req.GetBool("all", false)
		taskID := req.GetString("task_id", "")

		if all {
			count := manager.CancelAll()
			return mcp.NewToolResultText(fmt.Sprintf("cancelled %d task(s)", count)), nil
		}
		if taskID == "" {
			return mcp.NewToolResultError("task_id is required unless all is true"), nil
		}
		count := manager.Cancel(taskID)
		if count == 0 {
			return mcp.NewToolResultText(fmt.Sprintf("task %s was not cancelled (already terminal or unknown)", taskID)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("cancelled task %s", taskID)), nil
	}
}

func formatResult(task bgtask.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nStatus: %s\n", task.ID, task.Status)
	if !task.StartedAt.IsZero() && !task.CompletedAt.IsZero() {
		fmt.Fprintf(&b, "Duration: %.1fs\n", task.CompletedAt.Sub(task.StartedAt).Seconds())
	}

	payload := task.Result
	switch string(task.Status) {
	case "cancelled":
		if payload == "" {
			payload = "(Task cancelled)"
		}
	case "failed":
		if payload == "" {
			payload = task.Error
		}
	}

	fmt.Fprintf(&b, "Result size: %d bytes\n", len(payload))
	if task.IsResultTruncated {
		b.WriteString("Note: result was truncated to the 100 KiB limit.\n")
	}
	if task.Error != "" && string(task.Status) == "failed" {
		fmt.Fprintf(&b, "Error: %s\n", task.Error)
	}
	b.WriteString("\n")
	b.WriteString(payload)

	if len(payload) > resultHintThreshold {
		b.WriteString("\n\n(Result is large — extract what you need and discard the rest of this output.)")
	}

	return b.String()
}

// sessionIDFromContext extracts the calling session id the host attaches to
// every tool invocation context. The exact propagation mechanism is owned
// by the host (spec.md §1 "deliberately out of scope"); this helper only
// names the contract this translation layer expects.
func sessionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionContextKey{}).(string); ok {
		return id
	}
	return ""
}

type sessionContextKey struct{}

// WithSessionID attaches the calling parent session id to ctx, for hosts
// that dispatch tool calls through context rather than request metadata.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sessionID)
}
