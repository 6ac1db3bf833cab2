package dlq

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
)

// ListOpts controls pagination and filtering for DLQ list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// JobName filters by task name. Empty means all tasks.
	JobName string
	// TenantID filters by tenant. Empty means all tenants.
	TenantID string
}

// Store defines the persistence contract for dead letters.
type Store interface {
	// PushDLQ persists a new entry.
	PushDLQ(ctx context.Context, entry *Entry) error

	// ListDLQ returns entries matching opts, newest first.
	ListDLQ(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetDLQ retrieves an entry by ID. Returns tally.ErrDLQNotFound when
	// absent.
	GetDLQ(ctx context.Context, entryID id.DLQID) (*Entry, error)

	// ReplayDLQ sets ReplayedAt on the entry.
	ReplayDLQ(ctx context.Context, entryID id.DLQID, at time.Time) error

	// PurgeDLQ removes entries with FailedAt before the given time and
	// returns how many were removed.
	PurgeDLQ(ctx context.Context, before time.Time) (int64, error)

	// CountDLQ returns the number of entries.
	CountDLQ(ctx context.Context) (int64, error)
}
