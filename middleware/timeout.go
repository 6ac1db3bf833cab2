package middleware

import (
	"context"

	"github.com/xraph/tally/job"
)

// Timeout returns middleware that enforces the attempt's deadline. When
// the attempt has a non-zero Timeout the handler runs under
// context.WithTimeout and should return context.DeadlineExceeded once it
// expires.
func Timeout() Middleware {
	return func(ctx context.Context, a job.Attempt, next Handler) (job.Details, error) {
		if a.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
