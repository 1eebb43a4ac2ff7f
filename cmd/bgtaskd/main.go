// Command bgtaskd wires up the Background Task Manager and exposes it over
// the host's tool protocol, mirroring the teacher's cmd/agent-manager/main.go
// composition-root shape (load config → init logger → connect collaborators
// → start serving → wait for signal → graceful shutdown).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nghyane/opencode-bgtask/internal/bgtask"
	"github.com/nghyane/opencode-bgtask/internal/breaker"
	"github.com/nghyane/opencode-bgtask/internal/common/config"
	"github.com/nghyane/opencode-bgtask/internal/common/logger"
	"github.com/nghyane/opencode-bgtask/internal/events/bus"
	"github.com/nghyane/opencode-bgtask/internal/host"
	"github.com/nghyane/opencode-bgtask/internal/limiter"
	"github.com/nghyane/opencode-bgtask/internal/mcptools"
	"github.com/nghyane/opencode-bgtask/internal/metrics"
	"github.com/nghyane/opencode-bgtask/internal/notify"
	"github.com/nghyane/opencode-bgtask/internal/persistence"
	"github.com/nghyane/opencode-bgtask/internal/resources"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Background Task Manager daemon...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to the in-process event bus
	eventBus := bus.NewMemoryBus(log)
	log.Info("Initialized in-process event bus")

	// 5. Connect to the host's RPC surface
	hostClient := host.NewHTTPClient(host.HTTPConfig{
		BaseURL: cfg.Host.BaseURL,
		Timeout: cfg.Host.TimeoutDuration(),
	})
	defer hostClient.Close()
	log.Info("Configured host client", zap.String("base_url", cfg.Host.BaseURL))

	// 6. Build the concurrency limiter, circuit breaker, resource manager and
	// metrics collector
	concurrencyLimiter := limiter.DefaultProviderLimiter()
	circuitBreaker := breaker.New(breaker.DefaultConfig(), func(from, to breaker.State) {
		log.Info("notification circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
	})
	resourceMgr := resources.New()
	metricsCollector := metrics.New()

	// 7. Persistence adapter
	persist := persistence.New(cfg.Persistence.Path)
	log.Info("Configured persistence adapter", zap.String("path", cfg.Persistence.Path))

	// 8. Notification send capability: delivers the completion message into
	// the parent session via the host's prompt RPC (spec.md §4.6 — the
	// notification service never talks to the host directly, so main.go
	// supplies the one callback that does).
	send := func(ctx context.Context, parentSessionID string, msg notify.Message) error {
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return hostClient.Prompt(ctx, host.PromptParams{
			SessionID: parentSessionID,
			Body: host.PromptBody{
				Tools: host.PromptTools{BackgroundTask: false, Task: false},
				Parts: []host.PromptPart{{Type: "text", Text: string(payload)}},
			},
		})
	}

	// 9. Assemble the manager
	manager, err := bgtask.New(bgtask.Deps{
		EventBus:   eventBus,
		Limiter:    concurrencyLimiter,
		Breaker:    circuitBreaker,
		Resources:  resourceMgr,
		Metrics:    metricsCollector,
		Persist:    persist,
		HostClient: hostClient,
		Send:       send,
		Logger:     log,
		Config:     managerConfigFrom(cfg),
	})
	if err != nil {
		log.Fatal("Failed to build background task manager", zap.Error(err))
	}

	// 10. Restore persisted state before serving any launches
	if err := manager.LoadState(); err != nil {
		log.Error("Failed to load persisted task state", zap.Error(err))
	}

	// 11. Start the orphan sweep
	stopSweep := manager.StartOrphanSweep(ctx)
	defer stopSweep()

	// 12. Start the MCP tool surface
	var toolServer *mcptools.Server
	if cfg.MCP.Enabled {
		toolServer = mcptools.New(mcptools.Config{Port: 0}, manager)
		if err := toolServer.Start(ctx); err != nil {
			log.Fatal("Failed to start tool surface", zap.Error(err))
		}
		log.Info("Tool surface started")
	}

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Background Task Manager daemon...")

	// 14. Graceful shutdown (spec.md §4.8 "Graceful shutdown")
	manager.Pause()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := manager.Drain(drainCtx, 30*time.Second); err != nil {
		log.Warn("Drain did not complete before timeout", zap.Error(err))
	}

	if toolServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := toolServer.Stop(shutdownCtx); err != nil {
			log.Error("Tool surface shutdown error", zap.Error(err))
		}
	}

	if err := manager.SaveState(); err != nil {
		log.Error("Failed to save task state", zap.Error(err))
	}

	manager.Shutdown()
	cancel()

	log.Info("Background Task Manager daemon stopped")
}

func managerConfigFrom(cfg *config.Config) bgtask.Config {
	defaults := bgtask.DefaultConfig()
	m := cfg.Manager

	result := defaults
	if m.MaxConcurrentStarts > 0 {
		result.MaxConcurrentStarts = m.MaxConcurrentStarts
	}
	if m.MaxCompletedTasks > 0 {
		result.MaxCompletedTasks = m.MaxCompletedTasks
	}
	if m.IdleDebounceMs > 0 {
		result.IdleDebounce = time.Duration(m.IdleDebounceMs) * time.Millisecond
	}
	if m.ResultMaxBytes > 0 {
		result.ResultMaxBytes = m.ResultMaxBytes
	}
	if m.NotificationRetries > 0 {
		result.NotificationRetries = m.NotificationRetries
	}
	if m.NotificationDelayMs > 0 {
		result.NotificationDelay = time.Duration(m.NotificationDelayMs) * time.Millisecond
	}
	if m.OrphanSweepInterval > 0 {
		result.OrphanSweepInterval = m.OrphanSweepInterval
	}
	if m.RunningTimeout > 0 {
		result.RunningTimeout = m.RunningTimeout
	}
	if m.WaitMax > 0 {
		result.WaitMax = m.WaitMax
	}
	return result
}
