package dlq

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/job"
)

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a DLQ service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Push records a dead letter for task name. The tenant is extracted from
// the payload when present.
func (s *Service) Push(ctx context.Context, name string, payload []byte, attempts int, lastErr error) (*Entry, error) {
	now := s.now().UTC()
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	entry := &Entry{
		ID:        id.NewDLQID(),
		TenantID:  job.TenantOf(payload),
		JobName:   name,
		Payload:   payload,
		Attempts:  attempts,
		Error:     msg,
		FailedAt:  now,
		CreatedAt: now,
	}
	if err := s.store.PushDLQ(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// DLQStore returns the underlying store for List, Get, Purge, and Count.
func (s *Service) DLQStore() Store {
	return s.store
}
