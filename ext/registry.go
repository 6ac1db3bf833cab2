package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/tally/job"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time.
type taskStartedEntry struct {
	name string
	hook TaskStarted
}

type taskRetryingEntry struct {
	name string
	hook TaskRetrying
}

type taskDeadLetteredEntry struct {
	name string
	hook TaskDeadLettered
}

type taskFinishedEntry struct {
	name string
	hook TaskFinished
}

type cronFiredEntry struct {
	name string
	hook CronFired
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. Extensions are type-cached at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
// Register all extensions before the registry is shared; emits are then
// safe for concurrent use.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	taskStarted      []taskStartedEntry
	taskRetrying     []taskRetryingEntry
	taskDeadLettered []taskDeadLetteredEntry
	taskFinished     []taskFinishedEntry
	cronFired        []cronFiredEntry
	shutdown         []shutdownEntry
}

// NewRegistry creates an extension registry. A nil logger falls back to
// slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(TaskStarted); ok {
		r.taskStarted = append(r.taskStarted, taskStartedEntry{name, h})
	}
	if h, ok := e.(TaskRetrying); ok {
		r.taskRetrying = append(r.taskRetrying, taskRetryingEntry{name, h})
	}
	if h, ok := e.(TaskDeadLettered); ok {
		r.taskDeadLettered = append(r.taskDeadLettered, taskDeadLetteredEntry{name, h})
	}
	if h, ok := e.(TaskFinished); ok {
		r.taskFinished = append(r.taskFinished, taskFinishedEntry{name, h})
	}
	if h, ok := e.(CronFired); ok {
		r.cronFired = append(r.cronFired, cronFiredEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Task event emitters
// ──────────────────────────────────────────────────

// EmitTaskStarted notifies all extensions that implement TaskStarted.
func (r *Registry) EmitTaskStarted(ctx context.Context, a job.Attempt) {
	for _, e := range r.taskStarted {
		if err := e.hook.OnTaskStarted(ctx, a); err != nil {
			r.logHookError("OnTaskStarted", e.name, err)
		}
	}
}

// EmitTaskRetrying notifies all extensions that implement TaskRetrying.
func (r *Registry) EmitTaskRetrying(ctx context.Context, a job.Attempt, taskErr error, delay time.Duration) {
	for _, e := range r.taskRetrying {
		if err := e.hook.OnTaskRetrying(ctx, a, taskErr, delay); err != nil {
			r.logHookError("OnTaskRetrying", e.name, err)
		}
	}
}

// EmitTaskDeadLettered notifies all extensions that implement TaskDeadLettered.
func (r *Registry) EmitTaskDeadLettered(ctx context.Context, res *job.Result) {
	for _, e := range r.taskDeadLettered {
		if err := e.hook.OnTaskDeadLettered(ctx, res); err != nil {
			r.logHookError("OnTaskDeadLettered", e.name, err)
		}
	}
}

// EmitTaskFinished notifies all extensions that implement TaskFinished.
func (r *Registry) EmitTaskFinished(ctx context.Context, res *job.Result) {
	for _, e := range r.taskFinished {
		if err := e.hook.OnTaskFinished(ctx, res); err != nil {
			r.logHookError("OnTaskFinished", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitCronFired notifies all extensions that implement CronFired.
func (r *Registry) EmitCronFired(ctx context.Context, entryName, task string) {
	for _, e := range r.cronFired {
		if err := e.hook.OnCronFired(ctx, entryName, task); err != nil {
			r.logHookError("OnCronFired", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Hook errors are never propagated to the run.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
