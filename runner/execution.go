package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/backoff"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/lock"
)

// execution is one in-flight run that holds the task's lock. Attempts
// are serialized: the next one is only scheduled after the previous one
// returned.
type execution struct {
	r        *Runner
	entry    job.Entry
	opts     job.Options
	payload  []byte
	handle   *lock.Handle
	strategy backoff.Strategy
	results  chan<- *job.Result

	parent    context.Context
	ctx       context.Context
	cancel    context.CancelCauseFunc
	stopWatch func() bool
	started   time.Time

	renewStop chan struct{}
	renewDone chan struct{}

	mu      sync.Mutex
	attempt int
	lastErr error
	pending Timer

	once sync.Once
}

func newExecution(
	parent context.Context,
	r *Runner,
	entry job.Entry,
	opts job.Options,
	payload []byte,
	h *lock.Handle,
	results chan<- *job.Result,
) *execution {
	ctx, cancel := context.WithCancelCause(parent)
	return &execution{
		r:         r,
		entry:     entry,
		opts:      opts,
		payload:   payload,
		handle:    h,
		strategy:  backoff.NewExponential(opts.BaseDelay, opts.MaxDelay),
		results:   results,
		parent:    parent,
		ctx:       ctx,
		cancel:    cancel,
		started:   r.clock.Now(),
		renewStop: make(chan struct{}),
		renewDone: make(chan struct{}),
	}
}

func (e *execution) start() {
	go e.renewLoop()
	e.stopWatch = context.AfterFunc(e.ctx, e.onCancel)
	go e.step()
}

// step runs one attempt and decides what follows it.
func (e *execution) step() {
	e.mu.Lock()
	e.pending = nil
	e.attempt++
	n := e.attempt
	e.mu.Unlock()

	if e.ctx.Err() != nil {
		e.finishInterrupted()
		return
	}

	a := job.Attempt{
		Task:        e.entry.Name,
		Number:      n,
		MaxAttempts: e.opts.MaxAttempts,
		StartedAt:   e.r.clock.Now(),
		Timeout:     e.opts.Timeout,
	}
	e.r.extensions.EmitTaskStarted(e.ctx, a)

	details, err := e.r.mw(e.ctx, a, func(ctx context.Context) (job.Details, error) {
		return e.entry.Handler(ctx, e.payload)
	})
	if err == nil {
		e.finish(job.OutcomeCompleted, n, details, nil)
		return
	}

	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()

	if e.ctx.Err() != nil {
		e.finishInterrupted()
		return
	}
	if job.IsPermanent(err) || n >= e.opts.MaxAttempts {
		e.finish(job.OutcomeDeadLettered, n, nil, err)
		return
	}

	delay := e.strategy.Delay(n)
	e.r.extensions.EmitTaskRetrying(e.ctx, a, err, delay)
	e.r.logger.Info("task attempt failed, retry scheduled",
		slog.String("task", a.Task),
		slog.Int("attempt", n),
		slog.Int("max_attempts", e.opts.MaxAttempts),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)

	e.mu.Lock()
	e.pending = e.r.clock.AfterFunc(delay, e.step)
	e.mu.Unlock()

	// Cancellation may have landed before the timer was stored.
	if e.ctx.Err() != nil {
		e.onCancel()
	}
}

// onCancel runs when the run context ends. A pending retry timer is
// stopped and the run finishes here. An attempt in progress observes the
// cancellation itself.
func (e *execution) onCancel() {
	e.mu.Lock()
	t := e.pending
	e.pending = nil
	e.mu.Unlock()

	if t != nil && t.Stop() {
		e.finishInterrupted()
	}
}

func (e *execution) finishInterrupted() {
	e.mu.Lock()
	n, lastErr := e.attempt, e.lastErr
	e.mu.Unlock()

	cause := context.Cause(e.ctx)
	outcome := job.OutcomeCanceled
	if errors.Is(cause, tally.ErrLockLost) {
		outcome = job.OutcomeLockLost
	}
	err := cause
	if lastErr != nil {
		err = fmt.Errorf("%w: %w", cause, lastErr)
	}
	e.finish(outcome, n, nil, err)
}

// finish stops renewal, dead-letters when required, releases the lock,
// and reports the result. Only the first call has an effect.
func (e *execution) finish(outcome job.Outcome, attempts int, details job.Details, runErr error) {
	e.once.Do(func() {
		if e.stopWatch != nil {
			e.stopWatch()
		}
		close(e.renewStop)
		<-e.renewDone

		ctx, cancel := context.WithTimeout(context.WithoutCancel(e.parent), cleanupTimeout)
		defer cancel()

		res := &job.Result{
			Task:     e.entry.Name,
			Outcome:  outcome,
			Attempts: attempts,
			Details:  details,
			Err:      runErr,
		}
		log := e.r.logger.With(slog.String("task", res.Task), slog.Int("attempts", attempts))

		if outcome == job.OutcomeDeadLettered {
			e.pushDeadLetter(ctx, res, log)
		}

		if err := e.r.locks.Release(ctx, e.handle); err != nil {
			log.Error("lock release failed, lock will expire",
				slog.Duration("ttl", e.handle.TTL),
				slog.String("error", err.Error()),
			)
		}
		e.cancel(nil)

		res.Duration = e.r.clock.Now().Sub(e.started)

		switch outcome {
		case job.OutcomeCompleted:
			log.Info("task completed", slog.Duration("elapsed", res.Duration))
		case job.OutcomeLockLost:
			log.Error("task lock lost, run abandoned", slog.Any("error", runErr))
		case job.OutcomeCanceled:
			log.Warn("task canceled", slog.Any("error", runErr))
		}

		e.r.extensions.EmitTaskFinished(ctx, res)
		e.results <- res
		close(e.results)
		e.r.inflight.Done()
	})
}

func (e *execution) pushDeadLetter(ctx context.Context, res *job.Result, log *slog.Logger) {
	if e.r.deadLetter == nil {
		log.Error("task exhausted attempts, no dead letter queue configured",
			slog.String("error", res.Err.Error()),
		)
		return
	}
	entry, err := e.r.deadLetter.Push(ctx, res.Task, e.payload, res.Attempts, res.Err)
	if err != nil {
		log.Error("dead letter write failed",
			slog.String("error", err.Error()),
			slog.String("task_error", res.Err.Error()),
		)
		res.Err = errors.Join(res.Err, fmt.Errorf("dead letter: %w", err))
		return
	}
	res.DeadLetterID = entry.ID
	log.Warn("task dead-lettered",
		slog.String("dlq_id", entry.ID.String()),
		slog.String("error", res.Err.Error()),
	)
	e.r.extensions.EmitTaskDeadLettered(ctx, res)
}
