package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_AllStepsSucceed(t *testing.T) {
	var ran []string
	steps := []Step{
		{Name: "a", Run: func(context.Context) error { ran = append(ran, "a"); return nil }},
		{Name: "b", Run: func(context.Context) error { ran = append(ran, "b"); return nil }},
	}

	result := Run(context.Background(), steps, nil)
	assert.True(t, result.Ok())
	assert.Equal(t, []string{"a", "b"}, ran)
}

func TestRun_FailureCompensatesCompletedStepsInReverseOrder(t *testing.T) {
	var compensated []string
	errBoom := errors.New("boom")

	steps := []Step{
		{
			Name:       "extract-result",
			Run:        func(context.Context) error { return nil },
			Compensate: func(context.Context) { compensated = append(compensated, "extract-result") },
		},
		{
			Name:       "send-notification",
			Run:        func(context.Context) error { return nil },
			Compensate: func(context.Context) { compensated = append(compensated, "send-notification") },
		},
		{
			Name: "release-resources",
			Run:  func(context.Context) error { return errBoom },
		},
	}

	result := Run(context.Background(), steps, nil)
	assert.False(t, result.Ok())
	assert.Equal(t, "release-resources", result.FailedStep)
	assert.ErrorIs(t, result.Err, errBoom)
	assert.Equal(t, []string{"send-notification", "extract-result"}, compensated)
}

func TestRun_DoesNotRunStepsAfterFailure(t *testing.T) {
	ranThird := false
	steps := []Step{
		{Name: "a", Run: func(context.Context) error { return errors.New("fail") }},
		{Name: "b", Run: func(context.Context) error { ranThird = true; return nil }},
	}

	_ = Run(context.Background(), steps, nil)
	assert.False(t, ranThird)
}

func TestRun_PanicInStepIsCaughtAndTreatedAsFailure(t *testing.T) {
	var panicInfo struct {
		step string
		val  any
	}
	compensatedA := false

	steps := []Step{
		{
			Name:       "a",
			Run:        func(context.Context) error { return nil },
			Compensate: func(context.Context) { compensatedA = true },
		},
		{
			Name: "b",
			Run:  func(context.Context) error { panic("kaboom") },
		},
	}

	result := Run(context.Background(), steps, func(step string, recovered any) {
		panicInfo.step = step
		panicInfo.val = recovered
	})

	assert.False(t, result.Ok())
	assert.Equal(t, "b", result.FailedStep)
	assert.Equal(t, "b", panicInfo.step)
	assert.Equal(t, "kaboom", panicInfo.val)
	assert.True(t, compensatedA, "steps completed before the panic must still be compensated")
}

func TestRun_StepWithNilCompensateIsSkippedDuringRollback(t *testing.T) {
	steps := []Step{
		{Name: "no-compensate", Run: func(context.Context) error { return nil }},
		{Name: "fails", Run: func(context.Context) error { return errors.New("fail") }},
	}

	assert.NotPanics(t, func() {
		result := Run(context.Background(), steps, nil)
		assert.False(t, result.Ok())
	})
}
