package bgtask

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nghyane/opencode-bgtask/internal/breaker"
	"github.com/nghyane/opencode-bgtask/internal/common/apperrors"
	"github.com/nghyane/opencode-bgtask/internal/common/logger"
	"github.com/nghyane/opencode-bgtask/internal/debounce"
	"github.com/nghyane/opencode-bgtask/internal/events"
	"github.com/nghyane/opencode-bgtask/internal/events/bus"
	"github.com/nghyane/opencode-bgtask/internal/host"
	"github.com/nghyane/opencode-bgtask/internal/limiter"
	"github.com/nghyane/opencode-bgtask/internal/metrics"
	"github.com/nghyane/opencode-bgtask/internal/notify"
	"github.com/nghyane/opencode-bgtask/internal/persistence"
	"github.com/nghyane/opencode-bgtask/internal/resources"
	"github.com/nghyane/opencode-bgtask/internal/statemachine"
)

// Manager owns the task table and all secondary indices, and implements
// every core behavior in spec.md §4.8. Scheduling model: a single internal
// mutex stands in for the spec's single-threaded event loop (spec.md §5) —
// every mutation of the task table, indices, queues and version counters
// happens while holding m.mu, and RPC/notification suspension points are
// never reached while it is held.
type Manager struct {
	mu sync.Mutex

	tasks            map[string]*Task
	parentIndex      map[string]map[string]bool // parentSessionID -> set of taskID
	pendingRetrieval map[string]map[string]bool // parentSessionID -> set of taskID
	sessionIndex     map[string]string          // sessionID -> taskID
	evictionQueue    []string
	finalizing       map[string]bool
	waiters          map[string][]chan Task

	paused bool

	admission  *admissionQueue
	idleTimers *debounce.Group

	table      *statemachine.Table
	limiter    *limiter.Limiter
	breaker    *breaker.Breaker
	resources  *resources.Manager
	notifier   *notify.Service
	metrics    *metrics.Collector
	persist    *persistence.Adapter
	hostClient host.Client
	eventBus   bus.EventBus

	cfg    Config
	logger *logger.Logger

	unsubscribeStatus func()
}

// Deps bundles every collaborator Manager needs (spec.md §9: "Abstract as
// manager-held collaborators supplied via the constructor"). New fills in
// defaults for a nil EventBus, Limiter, Breaker, Resources, Metrics or
// Logger and for a zero Config; Persist may stay nil.
type Deps struct {
	EventBus   bus.EventBus
	Limiter    *limiter.Limiter
	Breaker    *breaker.Breaker
	Resources  *resources.Manager
	Metrics    *metrics.Collector
	Persist    *persistence.Adapter
	HostClient host.Client
	Send       notify.SendFunc
	Logger     *logger.Logger
	Config     Config
}

// New builds a Manager from explicit collaborators. Send (the notification
// transport) is a required capability; its absence is a configuration error
// rather than a runtime nil (spec.md §9).
func New(deps Deps) (*Manager, error) {
	if deps.HostClient == nil {
		return nil, apperrors.ValidationError("bgtask: host client is required")
	}
	if deps.Send == nil {
		return nil, apperrors.ValidationError("bgtask: notification send capability is required")
	}
	if deps.EventBus == nil {
		deps.EventBus = bus.NewMemoryBus(deps.Logger)
	}
	if deps.Limiter == nil {
		deps.Limiter = limiter.DefaultProviderLimiter()
	}
	if deps.Resources == nil {
		deps.Resources = resources.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	cfg := deps.Config
	if cfg.MaxConcurrentStarts == 0 {
		cfg = DefaultConfig()
	}

	onBreakerChange := func(from, to breaker.State) {
		var eventType string
		switch to {
		case breaker.Open:
			eventType = events.CircuitOpened
		case breaker.HalfOpen:
			eventType = events.CircuitHalfOpen
		case breaker.Closed:
			eventType = events.CircuitClosed
		default:
			return
		}
		deps.EventBus.Emit(bus.NewEvent(eventType, "", 0, map[string]any{"from": from.String(), "to": to.String()}))
	}
	if deps.Breaker == nil {
		deps.Breaker = breaker.New(breaker.DefaultConfig(), onBreakerChange)
	}

	m := &Manager{
		tasks:            make(map[string]*Task),
		parentIndex:      make(map[string]map[string]bool),
		pendingRetrieval: make(map[string]map[string]bool),
		sessionIndex:     make(map[string]string),
		finalizing:       make(map[string]bool),
		waiters:          make(map[string][]chan Task),
		admission:        newAdmissionQueue(cfg.MaxConcurrentStarts),
		idleTimers:       newIdleTimers(),
		table:            buildTransitionTable(),
		limiter:          deps.Limiter,
		breaker:          deps.Breaker,
		resources:        deps.Resources,
		metrics:          deps.Metrics,
		persist:          deps.Persist,
		hostClient:       deps.HostClient,
		eventBus:         deps.EventBus,
		cfg:              cfg,
		logger:           deps.Logger.WithFields(zap.String("component", "bgtask-manager")),
	}

	m.notifier = notify.New(notify.Config{
		Send:     deps.Send,
		Breaker:  deps.Breaker,
		RetryCfg: breaker.RetryConfig{MaxAttempts: cfg.NotificationRetries, BaseDelay: cfg.NotificationDelay},
		EventBus: deps.EventBus,
		Logger:   deps.Logger,
	})

	m.metrics.Attach(deps.EventBus)
	m.unsubscribeStatus = deps.HostClient.Subscribe(m.handleStatusEvent)

	return m, nil
}

func buildTransitionTable() *statemachine.Table {
	return statemachine.DefaultTable()
}

// IsTerminal reports whether status is one of completed/failed/cancelled.
func IsTerminal(status statemachine.Status) bool {
	return status == statemachine.Completed || status == statemachine.Failed || status == statemachine.Cancelled
}

// Snapshot returns a read-only copy of the task, and whether it exists.
func (m *Manager) Snapshot(taskID string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return t.Snapshot(), true
}

// QueueDepth returns the admission queue length, for snapshot queries
// (spec.md §9) rather than reaching into manager internals.
func (m *Manager) QueueDepth() int {
	return m.admission.depth()
}

// PendingWaiters returns how many WaitForCompletion calls are pending for
// taskID.
func (m *Manager) PendingWaiters(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters[taskID])
}

// HealthSummary exposes the metrics collector's read-only health snapshot
// (spec.md supplemented feature C.1), mirroring the teacher's
// cmd/agent-manager/main.go health-check handler as a plain method since
// this plugin has no HTTP server of its own.
func (m *Manager) HealthSummary(ctx context.Context) metrics.Health {
	return m.metrics.HealthSummary(ctx)
}

func (m *Manager) emit(eventType, taskID string, version int, payload map[string]any) {
	m.eventBus.Emit(bus.NewEvent(eventType, taskID, version, payload))
}

// transition runs the state machine for taskID under m.mu, emitting
// task.transition on success.
func (m *Manager) transition(taskID string, target statemachine.Status, ctx statemachine.Context) statemachine.Result {
	task, ok := m.tasks[taskID]
	if !ok {
		return statemachine.Result{Code: statemachine.InvalidTransition}
	}
	result, event := m.table.Transition(taskID, task, target, ctx)
	if result.Ok() && event != nil {
		m.emit(events.TaskTransition, taskID, event.Version, map[string]any{
			"from": string(event.From),
			"to":   string(event.To),
		})
	}
	return result
}

// Shutdown releases the host status subscription and stops all timers. It
// does not drain in-flight tasks; call Drain first.
func (m *Manager) Shutdown() {
	if m.unsubscribeStatus != nil {
		m.unsubscribeStatus()
	}
	m.idleTimers.CancelAll()
}
