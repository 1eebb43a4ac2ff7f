// Package metrics implements the metrics collector (spec.md §2, §4): it
// subscribes to the event bus and maintains counters, gauges, histograms
// and a health summary, backed by the OTel metrics SDK. Each Collector
// owns an SDK MeterProvider with a ManualReader, so instruments always
// record; nothing is exported unless the reader is collected.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/nghyane/opencode-bgtask/internal/events"
	"github.com/nghyane/opencode-bgtask/internal/events/bus"
)

const meterName = "opencode-bgtask/manager"

// Collector subscribes to the event bus and records task lifecycle metrics
// through OTel instruments, additionally keeping a small in-memory tally for
// the synchronous HealthSummary query (spec.md §9 "expose read-only
// snapshot queries" rather than reach-in test access).
type Collector struct {
	reader *sdkmetric.ManualReader
	meter  metric.Meter

	launched   metric.Int64Counter
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	cancelled  metric.Int64Counter
	duration   metric.Float64Histogram
	notifySent metric.Int64Counter
	notifyFail metric.Int64Counter

	mu          sync.Mutex
	subs        []bus.Subscription
	startedAt   map[string]time.Time
	tallyRunning int
	tallyTerminal int
}

// New builds a Collector with its own in-process OTel SDK MeterProvider (a
// ManualReader; there is no periodic exporter by default, matching the
// teacher's "no OTEL endpoint configured => effectively no-op" posture while
// still exercising real SDK instruments rather than hand-rolled counters).
func New() *Collector {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter(meterName)

	c := &Collector{reader: reader, meter: meter, startedAt: make(map[string]time.Time)}

	c.launched, _ = meter.Int64Counter("bgtask.launched", metric.WithDescription("tasks launched"))
	c.completed, _ = meter.Int64Counter("bgtask.completed", metric.WithDescription("tasks completed"))
	c.failed, _ = meter.Int64Counter("bgtask.failed", metric.WithDescription("tasks failed"))
	c.cancelled, _ = meter.Int64Counter("bgtask.cancelled", metric.WithDescription("tasks cancelled"))
	c.duration, _ = meter.Float64Histogram("bgtask.duration_seconds", metric.WithDescription("task wall-clock duration"))
	c.notifySent, _ = meter.Int64Counter("bgtask.notification.sent", metric.WithDescription("notifications delivered"))
	c.notifyFail, _ = meter.Int64Counter("bgtask.notification.failed", metric.WithDescription("notifications exhausted retries"))

	return c
}

// Attach subscribes the collector to eventBus. Returns an Unsubscribe func.
func (c *Collector) Attach(eventBus bus.EventBus) func() {
	ctx := context.Background()

	subscribe := func(eventType string, handler func(bus.Event)) {
		c.mu.Lock()
		c.subs = append(c.subs, eventBus.Subscribe(eventType, handler))
		c.mu.Unlock()
	}

	subscribe(events.TaskCreated, func(e bus.Event) {
		c.launched.Add(ctx, 1)
		c.mu.Lock()
		c.startedAt[e.TaskID] = e.Timestamp
		c.tallyRunning++
		c.mu.Unlock()
	})
	subscribe(events.TaskCompleted, func(e bus.Event) { c.recordTerminal(ctx, e, c.completed) })
	subscribe(events.TaskFailed, func(e bus.Event) { c.recordTerminal(ctx, e, c.failed) })
	subscribe(events.TaskCancelled, func(e bus.Event) { c.recordTerminal(ctx, e, c.cancelled) })
	subscribe(events.NotificationSent, func(e bus.Event) { c.notifySent.Add(ctx, 1) })
	subscribe(events.NotificationFailed, func(e bus.Event) { c.notifyFail.Add(ctx, 1) })

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, s := range c.subs {
			s.Unsubscribe()
		}
		c.subs = nil
	}
}

func (c *Collector) recordTerminal(ctx context.Context, e bus.Event, counter metric.Int64Counter) {
	counter.Add(ctx, 1)

	c.mu.Lock()
	started, ok := c.startedAt[e.TaskID]
	delete(c.startedAt, e.TaskID)
	if c.tallyRunning > 0 {
		c.tallyRunning--
	}
	c.tallyTerminal++
	c.mu.Unlock()

	if ok {
		c.duration.Record(ctx, e.Timestamp.Sub(started).Seconds())
	}
}

// Health is a point-in-time snapshot for operational visibility.
type Health struct {
	RunningTasks  int
	TerminalTasks int
	Counters      map[string]int64
}

// HealthSummary collects the current OTel metric state and folds it into a
// read-only snapshot (spec.md §2 "maintains... a health summary").
func (c *Collector) HealthSummary(ctx context.Context) Health {
	var data metricdata.ResourceMetrics
	_ = c.reader.Collect(ctx, &data)

	counters := make(map[string]int64)
	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				counters[m.Name] = total
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return Health{
		RunningTasks:  c.tallyRunning,
		TerminalTasks: c.tallyTerminal,
		Counters:      counters,
	}
}
