// Package saga implements the three-step finalization saga (spec.md §4.7):
// extract-result, send-notification, release-resources, each step paired
// with a compensation that runs in reverse order on a genuine step failure.
// No direct teacher analog exists for saga orchestration; written fresh,
// grounded in the teacher's recovery-on-failure shape (agent lifecycle
// manager's state recovery) and its "never propagate, always log" error
// posture (common/errors/errors.go).
package saga

import (
	"context"
	"fmt"
)

// Step is one saga step: Run performs the action; Compensate undoes it. A
// nil Compensate means the step has no compensation (idempotent or
// side-effect-free on failure).
type Step struct {
	Name       string
	Run        func(ctx context.Context) error
	Compensate func(ctx context.Context)
}

// Result reports which step, if any, failed.
type Result struct {
	FailedStep string
	Err        error
}

func (r Result) Ok() bool { return r.Err == nil }

// Run executes steps sequentially. On the first step that returns a genuine
// error, every previously completed step's Compensate is invoked in reverse
// order, and Run returns a Result naming the failed step. A step whose Run
// panics is treated as a logged, swallowed failure of that step alone (the
// saga continues to compensate, never propagates the panic) per spec.md
// §4.7 "any thrown exception in saga wiring is caught and logged."
func Run(ctx context.Context, steps []Step, onPanic func(step string, recovered any)) Result {
	completed := make([]Step, 0, len(steps))

	for _, step := range steps {
		if err := runStepSafely(ctx, step, onPanic); err != nil {
			compensate(ctx, completed)
			return Result{FailedStep: step.Name, Err: err}
		}
		completed = append(completed, step)
	}
	return Result{}
}

func runStepSafely(ctx context.Context, step Step, onPanic func(step string, recovered any)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if onPanic != nil {
				onPanic(step.Name, r)
			}
			err = fmt.Errorf("saga step %q panicked: %v", step.Name, r)
		}
	}()
	return step.Run(ctx)
}

func compensate(ctx context.Context, completed []Step) {
	for i := len(completed) - 1; i >= 0; i-- {
		if completed[i].Compensate != nil {
			completed[i].Compensate(ctx)
		}
	}
}
