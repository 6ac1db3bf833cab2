package job

import "context"

// Details carries handler-supplied result data reported with a completed run.
type Details map[string]any

// Definition is a typed task definition with a handler function.
// T is the payload type. It must decode from JSON, and it is validated
// before the handler runs when it implements [Validator].
type Definition[T any] struct {
	// Name is the unique task name. It is also the lock name.
	Name string

	// Handler processes the decoded payload.
	Handler func(ctx context.Context, payload T) (Details, error)

	// Opts configures attempts, backoff, lock TTL, and timeout.
	Opts Options
}

// NewDefinition creates a typed task definition.
func NewDefinition[T any](name string, handler func(ctx context.Context, payload T) (Details, error), opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Name:    name,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
