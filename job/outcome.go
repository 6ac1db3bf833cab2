package job

import (
	"time"

	"github.com/xraph/tally/id"
)

// Outcome is the terminal state of one run.
type Outcome string

const (
	// OutcomeCompleted means an attempt returned without error.
	OutcomeCompleted Outcome = "completed"
	// OutcomeSkippedLocked means another owner held the task's lock.
	OutcomeSkippedLocked Outcome = "skipped_locked"
	// OutcomeSkippedUnknown means no handler is registered for the name.
	OutcomeSkippedUnknown Outcome = "skipped_unknown"
	// OutcomeDeadLettered means every attempt failed and a dead letter was
	// recorded.
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeLockLost means the lock could not be renewed mid-run and the
	// attempt was cancelled.
	OutcomeLockLost Outcome = "lock_lost"
	// OutcomeCanceled means the caller's context ended before the run
	// finished. Nothing is dead-lettered.
	OutcomeCanceled Outcome = "canceled"
)

// Skipped reports whether the run never invoked the handler.
func (o Outcome) Skipped() bool {
	return o == OutcomeSkippedLocked || o == OutcomeSkippedUnknown
}

// Attempt describes one handler invocation. It is transient and never
// persisted.
type Attempt struct {
	Task        string
	Number      int
	MaxAttempts int
	StartedAt   time.Time

	// Timeout bounds this attempt. Zero means unlimited.
	Timeout time.Duration
}

// Result is returned for every run.
type Result struct {
	Task     string
	Outcome  Outcome
	Attempts int
	Details  Details
	Duration time.Duration

	// Err is the last handler error for DeadLettered and LockLost runs.
	Err error

	// DeadLetterID is set when Outcome is OutcomeDeadLettered and the dead
	// letter was persisted.
	DeadLetterID id.DLQID
}
