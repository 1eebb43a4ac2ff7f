// Package mcptools exposes the Background Task Manager over the host's
// tool protocol: launch, retrieve, cancel (spec.md §1, §6 "Tool surface").
// These three handlers are a thin translation layer — validation and
// formatting only, no business logic — grounded on the teacher's dual SSE
// / Streamable HTTP MCP server (mcpserver/server.go), generalized here to
// serve a bgtask.Manager instead of a Kanban-board REST backend.
package mcptools

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/nghyane/opencode-bgtask/internal/bgtask"
	"github.com/nghyane/opencode-bgtask/internal/common/logger"
)

// Config holds the tool-surface listener configuration.
type Config struct {
	Port int
}

// Server wraps the SSE and Streamable HTTP transports with lifecycle
// management, mirroring the teacher's dual-transport shape so any MCP
// client (Claude Desktop-style SSE clients or Codex-style Streamable HTTP
// clients) can reach the same three tools.
type Server struct {
	cfg                  Config
	manager              *bgtask.Manager
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates a new tool-surface server backed by manager.
func New(cfg Config, manager *bgtask.Manager) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		logger:  logger.Default().WithFields(zap.String("component", "mcptools")),
	}
}

// Start starts both transports in a goroutine and returns once listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcptools: server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"opencode-bgtask",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	registerTools(mcpServer, s.manager, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mcptools: failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("tool surface listening", zap.Int("port", s.cfg.Port))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("tool surface server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("mcptools: shutdown http server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
		}
	}
	return nil
}
