package middleware

import (
	"context"

	"github.com/xraph/tally/job"
)

// Handler is the terminal function that executes one attempt.
type Handler func(ctx context.Context) (job.Details, error)

// Middleware wraps a Handler with cross-cutting logic. It receives the
// attempt being executed and the next handler to call. Middleware MUST
// call next to continue the chain unless short-circuiting on error.
type Middleware func(ctx context.Context, a job.Attempt, next Handler) (job.Details, error)

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, a job.Attempt, next Handler) (job.Details, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (job.Details, error) {
				return mw(ctx, a, prev)
			}
		}
		return h(ctx)
	}
}
