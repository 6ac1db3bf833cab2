// Package runner executes named tasks under a distributed lock.
//
// A run looks up the task, takes the task's lock, and invokes the handler
// through the middleware chain. Failed attempts are rescheduled on a
// timer with exponential backoff instead of sleeping in the caller's
// goroutine. While the run is in flight a renewal loop extends the lock
// every TTL/3. When the attempt budget is spent the payload and last
// error are written to the dead letter queue. The lock is released on
// every path.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/dlq"
	"github.com/xraph/tally/ext"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/lock"
	"github.com/xraph/tally/middleware"
)

// cleanupTimeout bounds dead-lettering and lock release after a run.
const cleanupTimeout = 10 * time.Second

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithExtensions sets the lifecycle hook registry.
func WithExtensions(reg *ext.Registry) Option {
	return func(r *Runner) { r.extensions = reg }
}

// WithMiddleware adds middleware around every attempt. They run outside
// the built-in panic recovery and timeout.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(r *Runner) { r.userMW = append(r.userMW, mws...) }
}

// WithClock overrides retry scheduling.
func WithClock(c Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithDefaults takes the attempt budget, base delay, and lock TTL from cfg
// for tasks registered without them.
func WithDefaults(cfg tally.Config) Option {
	return func(r *Runner) {
		if cfg.MaxAttempts >= 1 {
			r.defaults.MaxAttempts = cfg.MaxAttempts
		}
		if cfg.RetryBaseDelay > 0 {
			r.defaults.BaseDelay = cfg.RetryBaseDelay
		}
		if cfg.LockTTL > 0 {
			r.defaults.LockTTL = cfg.LockTTL
		}
	}
}

// Runner runs registered tasks. It is safe for concurrent use.
type Runner struct {
	registry   *job.Registry
	locks      *lock.Manager
	deadLetter *dlq.Service
	extensions *ext.Registry
	userMW     []middleware.Middleware
	mw         middleware.Middleware
	clock      Clock
	defaults   job.Options
	logger     *slog.Logger

	inflight sync.WaitGroup
}

// New creates a Runner. deadLetter may be nil, in which case exhausted
// runs are only logged.
func New(registry *job.Registry, locks *lock.Manager, deadLetter *dlq.Service, opts ...Option) *Runner {
	r := &Runner{
		registry:   registry,
		locks:      locks,
		deadLetter: deadLetter,
		clock:      realClock{},
		defaults:   job.DefaultOptions(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.extensions == nil {
		r.extensions = ext.NewRegistry(r.logger)
	}
	mws := append([]middleware.Middleware{}, r.userMW...)
	mws = append(mws, middleware.Recover(r.logger), middleware.Timeout())
	r.mw = middleware.Chain(mws...)
	return r
}

// Run executes task name and blocks until it reaches an outcome. The
// returned error is non-nil only when the run could not start: the lock
// store failed in production or ctx ended during acquisition. Handler
// failures are reported through the result.
func (r *Runner) Run(ctx context.Context, name string, payload []byte) (*job.Result, error) {
	results, err := r.Submit(ctx, name, payload)
	if err != nil {
		return nil, err
	}
	return <-results, nil
}

// Submit starts task name and returns at once. The channel receives
// exactly one result and is then closed. Lookup and lock acquisition
// happen before Submit returns, so skipped runs are already resolved.
// Cancelling ctx cancels the run.
func (r *Runner) Submit(ctx context.Context, name string, payload []byte) (<-chan *job.Result, error) {
	results := make(chan *job.Result, 1)

	entry, ok := r.registry.Get(name)
	if !ok {
		r.logger.Warn("unknown task skipped", slog.String("task", name))
		r.deliver(ctx, results, &job.Result{Task: name, Outcome: job.OutcomeSkippedUnknown})
		return results, nil
	}

	opts := r.resolve(entry.Opts)
	h, acquired, err := r.locks.Acquire(ctx, name, opts.LockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		r.logger.Info("task already running elsewhere, skipped", slog.String("task", name))
		r.deliver(ctx, results, &job.Result{Task: name, Outcome: job.OutcomeSkippedLocked})
		return results, nil
	}

	r.inflight.Add(1)
	newExecution(ctx, r, entry, opts, payload, h, results).start()
	return results, nil
}

// Wait blocks until every submitted run has finished or ctx ends.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry returns the task registry.
func (r *Runner) Registry() *job.Registry { return r.registry }

func (r *Runner) resolve(o job.Options) job.Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = r.defaults.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = r.defaults.BaseDelay
	}
	if o.LockTTL <= 0 {
		o.LockTTL = r.defaults.LockTTL
	}
	return o
}

// deliver reports a run that never reached the handler.
func (r *Runner) deliver(ctx context.Context, results chan<- *job.Result, res *job.Result) {
	r.extensions.EmitTaskFinished(ctx, res)
	results <- res
	close(results)
}
