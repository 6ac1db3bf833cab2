// Package store defines the aggregate persistence interface. Each
// subsystem (dlq, fiscal) defines its own store interface; the composite
// Store composes them. Backends: Postgres and Memory.
package store

import (
	"context"

	"github.com/xraph/tally/dlq"
	"github.com/xraph/tally/fiscal"
)

// Store is the aggregate persistence interface implemented by the
// relational and in-memory backends.
type Store interface {
	dlq.Store
	fiscal.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
