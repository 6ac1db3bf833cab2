package job

import "time"

// Options configures per-task execution.
type Options struct {
	// MaxAttempts is the total number of handler invocations before the
	// run is dead-lettered.
	MaxAttempts int

	// BaseDelay is the wait after the first failure. Attempt n waits
	// BaseDelay * 2^(n-1).
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Zero means uncapped.
	MaxDelay time.Duration

	// LockTTL is the lease taken for the task. The runner renews it at a
	// third of this value.
	LockTTL time.Duration

	// Timeout bounds a single attempt. Zero means unlimited.
	Timeout time.Duration
}

// DefaultOptions returns Options with the platform defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		LockTTL:     5 * time.Minute,
	}
}

// Option is a functional option for configuring a task definition.
type Option func(*Options)

// WithMaxAttempts sets the attempt budget. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		if n >= 1 {
			o.MaxAttempts = n
		}
	}
}

// WithBaseDelay sets the first backoff delay.
func WithBaseDelay(d time.Duration) Option {
	return func(o *Options) {
		o.BaseDelay = d
	}
}

// WithMaxDelay caps the backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(o *Options) {
		o.MaxDelay = d
	}
}

// WithLockTTL sets the lease length for the task's lock.
func WithLockTTL(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.LockTTL = d
		}
	}
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}
