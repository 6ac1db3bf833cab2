package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/tally/ext"
	"github.com/xraph/tally/job"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnTaskStarted(_ context.Context, _ job.Attempt) error {
	e.calls = append(e.calls, "OnTaskStarted")
	return nil
}

func (e *allHooksExt) OnTaskRetrying(_ context.Context, _ job.Attempt, _ error, _ time.Duration) error {
	e.calls = append(e.calls, "OnTaskRetrying")
	return nil
}

func (e *allHooksExt) OnTaskDeadLettered(_ context.Context, _ *job.Result) error {
	e.calls = append(e.calls, "OnTaskDeadLettered")
	return nil
}

func (e *allHooksExt) OnTaskFinished(_ context.Context, _ *job.Result) error {
	e.calls = append(e.calls, "OnTaskFinished")
	return nil
}

func (e *allHooksExt) OnCronFired(_ context.Context, _, _ string) error {
	e.calls = append(e.calls, "OnCronFired")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// finishOnlyExt only observes final results.
type finishOnlyExt struct {
	outcomes []job.Outcome
}

func (e *finishOnlyExt) Name() string { return "finish-only" }

func (e *finishOnlyExt) OnTaskFinished(_ context.Context, res *job.Result) error {
	e.outcomes = append(e.outcomes, res.Outcome)
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnTaskFinished(_ context.Context, _ *job.Result) error {
	return errors.New("boom")
}

func (e *failingExt) OnShutdown(_ context.Context) error {
	return errors.New("shutdown boom")
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_Register(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	r.Register(&allHooksExt{})

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	fo := &finishOnlyExt{}
	r.Register(all)
	r.Register(fo)

	ctx := context.Background()
	r.EmitTaskStarted(ctx, job.Attempt{Task: "nightly-export", Number: 1})
	if len(all.calls) != 1 || all.calls[0] != "OnTaskStarted" {
		t.Fatalf("all: expected [OnTaskStarted], got %v", all.calls)
	}
	if len(fo.outcomes) != 0 {
		t.Fatalf("finish-only should not see OnTaskStarted, got %v", fo.outcomes)
	}

	r.EmitTaskFinished(ctx, &job.Result{Task: "nightly-export", Outcome: job.OutcomeCompleted})
	if len(all.calls) != 2 || all.calls[1] != "OnTaskFinished" {
		t.Fatalf("all: expected OnTaskFinished as 2nd, got %v", all.calls)
	}
	if len(fo.outcomes) != 1 || fo.outcomes[0] != job.OutcomeCompleted {
		t.Fatalf("finish-only: got %v", fo.outcomes)
	}
}

func TestRegistry_AllHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	a := job.Attempt{Task: "t", Number: 1, StartedAt: time.Now()}
	res := &job.Result{Task: "t", Outcome: job.OutcomeDeadLettered}

	r.EmitTaskStarted(ctx, a)
	r.EmitTaskRetrying(ctx, a, errors.New("fail"), time.Second)
	r.EmitTaskDeadLettered(ctx, res)
	r.EmitTaskFinished(ctx, res)
	r.EmitCronFired(ctx, "nightly", "t")
	r.EmitShutdown(ctx)

	expected := []string{
		"OnTaskStarted", "OnTaskRetrying", "OnTaskDeadLettered",
		"OnTaskFinished", "OnCronFired", "OnShutdown",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	r := ext.NewRegistry(nil)
	all := &allHooksExt{}

	// Register failing first, then all-hooks. Both should be called.
	r.Register(&failingExt{})
	r.Register(all)

	ctx := context.Background()
	r.EmitTaskFinished(ctx, &job.Result{})
	r.EmitShutdown(ctx)

	if len(all.calls) != 2 {
		t.Fatalf("all: expected 2 calls despite failing ext, got %v", all.calls)
	}
}

func TestRegistry_EmptyRegistryNoOp(_ *testing.T) {
	r := ext.NewRegistry(slog.Default())
	ctx := context.Background()

	r.EmitTaskStarted(ctx, job.Attempt{})
	r.EmitTaskRetrying(ctx, job.Attempt{}, errors.New("x"), time.Second)
	r.EmitTaskDeadLettered(ctx, &job.Result{})
	r.EmitTaskFinished(ctx, &job.Result{})
	r.EmitCronFired(ctx, "e", "t")
	r.EmitShutdown(ctx)
}
