package cron

// Definition is a typed schedule definition. T is the payload type
// (must be JSON-serializable).
type Definition[T any] struct {
	// Name is the unique identifier for this entry.
	Name string

	// Schedule is a cron expression (e.g., "*/5 * * * *" or "@every 30s").
	Schedule string

	// Task is the registered task fired on each tick.
	Task string

	// Payload is passed to the task on every run.
	Payload T
}
