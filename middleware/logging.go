package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/tally/job"
)

// Logging returns middleware that logs attempt start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, a job.Attempt, next Handler) (job.Details, error) {
		logger.Debug("attempt started",
			slog.String("task", a.Task),
			slog.Int("attempt", a.Number),
			slog.Int("max_attempts", a.MaxAttempts),
		)

		start := time.Now()
		details, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("attempt failed",
				slog.String("task", a.Task),
				slog.Int("attempt", a.Number),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("attempt succeeded",
				slog.String("task", a.Task),
				slog.Int("attempt", a.Number),
				slog.Duration("elapsed", elapsed),
			)
		}
		return details, err
	}
}
