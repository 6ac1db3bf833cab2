package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/tally/job"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors and logged with a stack trace. A panic
// counts as a failed attempt and is retried like any other error.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, a job.Attempt, next Handler) (details job.Details, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("task handler panicked",
					slog.String("task", a.Task),
					slog.Int("attempt", a.Number),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				details = nil
				retErr = fmt.Errorf("panic in task %s: %v", a.Task, r)
			}
		}()
		return next(ctx)
	}
}
