package tally

import (
	"fmt"
	"time"
)

// Environment names the deployment tier. Production changes failure
// semantics: shared-store outages become hard errors instead of degrading
// to process-local behavior.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
)

// IsProduction reports whether e requires cross-instance guarantees.
func (e Environment) IsProduction() bool { return e == EnvProduction }

// Config holds the engine tunables shared by the lock manager, the job
// runner, the event bus, and the fiscal queue.
type Config struct {
	// Environment selects production or non-production failure semantics.
	Environment Environment

	// LockTTL is the lease length taken by the runner for each task.
	LockTTL time.Duration

	// MaxAttempts is the default attempt budget for a task.
	MaxAttempts int

	// RetryBaseDelay is the first backoff delay. Attempt n waits
	// RetryBaseDelay * 2^(n-1).
	RetryBaseDelay time.Duration

	// BusRecoveryInterval is how often an unhealthy broadcast bus tries to
	// reconnect.
	BusRecoveryInterval time.Duration

	// FiscalRetryDelay is the fixed delay before a failed adapter-mode
	// document becomes due for the retry sweep.
	FiscalRetryDelay time.Duration

	// FiscalSweepBatch bounds how many documents one sweep touches.
	FiscalSweepBatch int

	// FiscalMaxAdapterAttempts stops the sweep from rescheduling a document.
	FiscalMaxAdapterAttempts int

	// FiscalAdapterLease is how long an adapter document may stay in
	// PROCESSING before the retry sweep reclaims it. It must outlast the
	// slowest adapter call.
	FiscalAdapterLease time.Duration

	// PullLimitMax caps the number of documents a device may claim per pull.
	PullLimitMax int

	// PairingCodeTTL is how long a pairing code may be redeemed.
	PairingCodeTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Environment:              EnvDevelopment,
		LockTTL:                  5 * time.Minute,
		MaxAttempts:              3,
		RetryBaseDelay:           1 * time.Second,
		BusRecoveryInterval:      5 * time.Second,
		FiscalRetryDelay:         60 * time.Second,
		FiscalSweepBatch:         50,
		FiscalMaxAdapterAttempts: 10,
		FiscalAdapterLease:       5 * time.Minute,
		PullLimitMax:             100,
		PairingCodeTTL:           10 * time.Minute,
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvProduction, EnvStaging, EnvDevelopment, EnvTest:
	default:
		return fmt.Errorf("tally: unknown environment %q", c.Environment)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("tally: lock ttl must be positive, got %s", c.LockTTL)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("tally: max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.FiscalAdapterLease <= 0 {
		return fmt.Errorf("tally: fiscal adapter lease must be positive, got %s", c.FiscalAdapterLease)
	}
	if c.PullLimitMax < 1 || c.PullLimitMax > 100 {
		return fmt.Errorf("tally: pull limit must be within 1..100, got %d", c.PullLimitMax)
	}
	return nil
}
