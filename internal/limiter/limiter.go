// Package limiter implements the per-model concurrency limiter (spec.md
// §4.2): a live-count and FIFO waiter list per model key, with glob-pattern
// caps and an acquire timeout. Grounded on the teacher's queue/executor
// concurrency-gating shape (orchestrator/executor/executor.go's
// maxConcurrent + mutex-guarded map of in-flight executions), generalized
// here to per-model fairness with pattern matching.
package limiter

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"
)

// DefaultAcquireTimeout is the default wait before Acquire gives up.
const DefaultAcquireTimeout = 5 * time.Minute

// ErrTimeout is returned by Acquire when the timeout elapses before a
// permit becomes available.
type ErrTimeout struct {
	Model string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("limiter: acquire timed out waiting for model %q", e.Model)
}

type waiter struct {
	ready chan struct{}
}

// Limiter grants per-model concurrency permits. Matching precedence: exact
// key, then glob pattern (`*` as a wildcard segment, matched via
// path.Match), then the configured default cap.
type Limiter struct {
	mu           sync.Mutex
	exact        map[string]int // model -> cap, exact matches
	patterns     []patternCap    // ordered, first match wins
	defaultCap   int
	counts       map[string]int
	waiters      map[string][]*waiter
	acquireTimeout time.Duration
}

type patternCap struct {
	pattern string
	cap     int
}

// Config seeds the limiter's caps.
type Config struct {
	// Exact maps a model identifier to its cap, e.g. "default" -> 3.
	Exact map[string]int
	// Patterns maps a glob pattern (e.g. "anthropic/*") to its cap, checked
	// in the given order after exact-match fails.
	Patterns map[string]int
	// PatternOrder fixes evaluation order for Patterns (map iteration order
	// is undefined in Go); if empty, insertion order is not guaranteed.
	PatternOrder []string
	DefaultCap     int
	AcquireTimeout time.Duration
}

// New builds a Limiter from cfg, applying spec.md §6 defaults when fields
// are zero.
func New(cfg Config) *Limiter {
	defaultCap := cfg.DefaultCap
	if defaultCap <= 0 {
		defaultCap = 3
	}
	timeout := cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}

	l := &Limiter{
		exact:          make(map[string]int),
		defaultCap:     defaultCap,
		counts:         make(map[string]int),
		waiters:        make(map[string][]*waiter),
		acquireTimeout: timeout,
	}
	for k, v := range cfg.Exact {
		l.exact[k] = v
	}
	order := cfg.PatternOrder
	if len(order) == 0 {
		for pattern := range cfg.Patterns {
			order = append(order, pattern)
		}
	}
	for _, pattern := range order {
		if cap, ok := cfg.Patterns[pattern]; ok {
			l.patterns = append(l.patterns, patternCap{pattern: pattern, cap: cap})
		}
	}
	return l
}

// DefaultProviderLimiter builds the limiter with the provider caps named in
// spec.md §6: anthropic/* -> 3, openai/* -> 5, google/* -> 10, default 3.
func DefaultProviderLimiter() *Limiter {
	return New(Config{
		Patterns: map[string]int{
			"anthropic/*": 3,
			"openai/*":    5,
			"google/*":    10,
		},
		PatternOrder: []string{"anthropic/*", "openai/*", "google/*"},
		DefaultCap:   3,
	})
}

func (l *Limiter) capFor(model string) int {
	if limit, ok := l.exact[model]; ok {
		return limit
	}
	for _, pc := range l.patterns {
		if ok, _ := path.Match(pc.pattern, model); ok {
			return pc.cap
		}
	}
	return l.defaultCap
}

// Acquire blocks until a permit for model is available, ctx is cancelled, or
// the acquire timeout elapses — whichever comes first. On timeout the
// waiter removes itself from the queue.
func (l *Limiter) Acquire(ctx context.Context, model string) error {
	l.mu.Lock()
	limit := l.capFor(model)
	if l.counts[model] < limit {
		l.counts[model]++
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	l.waiters[model] = append(l.waiters[model], w)
	l.mu.Unlock()

	timer := time.NewTimer(l.acquireTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-timer.C:
		l.removeWaiter(model, w)
		return &ErrTimeout{Model: model}
	case <-ctx.Done():
		l.removeWaiter(model, w)
		return ctx.Err()
	}
}

func (l *Limiter) removeWaiter(model string, target *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	waiters := l.waiters[model]
	for i, w := range waiters {
		if w == target {
			l.waiters[model] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

// Release returns a permit for model. If a waiter is queued, the permit
// transfers directly to the head waiter (preserving FIFO fairness);
// otherwise the live count is decremented.
func (l *Limiter) Release(model string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	waiters := l.waiters[model]
	if len(waiters) > 0 {
		head := waiters[0]
		l.waiters[model] = waiters[1:]
		close(head.ready)
		return
	}
	if l.counts[model] > 0 {
		l.counts[model]--
	}
}

// InFlight returns the current live permit count for model, for snapshot
// queries (spec.md §9 "expose read-only snapshot queries").
func (l *Limiter) InFlight(model string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[model]
}

// WaiterCount returns the number of callers currently queued for model.
func (l *Limiter) WaiterCount(model string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters[model])
}
