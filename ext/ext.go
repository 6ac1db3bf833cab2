package ext

import (
	"context"
	"time"

	"github.com/xraph/tally/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// TaskStarted is called before each handler attempt.
type TaskStarted interface {
	OnTaskStarted(ctx context.Context, a job.Attempt) error
}

// TaskRetrying is called when an attempt failed and the next one is
// scheduled after delay.
type TaskRetrying interface {
	OnTaskRetrying(ctx context.Context, a job.Attempt, err error, delay time.Duration) error
}

// TaskDeadLettered is called after a dead letter was recorded for a run.
type TaskDeadLettered interface {
	OnTaskDeadLettered(ctx context.Context, res *job.Result) error
}

// TaskFinished is called exactly once per run with its final result,
// whatever the outcome.
type TaskFinished interface {
	OnTaskFinished(ctx context.Context, res *job.Result) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// CronFired is called when a schedule entry fires a task.
type CronFired interface {
	OnCronFired(ctx context.Context, entryName, task string) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
