package fiscal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/job"
)

// SweepTask is the task name of the adapter retry sweep.
const SweepTask = "fiscal.adapter-retry-sweep"

// SweepPayload is the optional payload of SweepTask.
type SweepPayload struct {
	// Limit overrides FiscalSweepBatch when positive.
	Limit int `json:"limit,omitempty"`
}

// Validate implements job.Validator.
func (p *SweepPayload) Validate() error {
	if p.Limit < 0 {
		return fmt.Errorf("limit must not be negative, got %d", p.Limit)
	}
	return nil
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Due       int `json:"due"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

// ErrLeaseExpired is recorded on an adapter document whose send lease
// ran out without an outcome once no attempts remain.
var ErrLeaseExpired = errors.New("fiscal: adapter lease expired without a result")

// SweepAdapterRetries re-sends adapter documents that are FAILED and due,
// or stuck in PROCESSING past their lease, at most limit of them
// (FiscalSweepBatch when limit < 1). Adapter failures are recorded on the
// documents and do not fail the sweep; store errors do.
func (s *Service) SweepAdapterRetries(ctx context.Context, limit int) (SweepReport, error) {
	var rep SweepReport
	if s.adapter == nil {
		return rep, nil
	}
	if limit < 1 {
		limit = s.cfg.FiscalSweepBatch
	}
	now := s.now().UTC()
	due, err := s.store.DueAdapterRetries(ctx, now, limit)
	if err != nil {
		return rep, fmt.Errorf("fiscal: list due retries: %w", err)
	}
	rep.Due = len(due)

	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		claim, doc, err := s.claimForRetry(ctx, d.ID)
		if err != nil {
			return rep, err
		}
		switch claim {
		case claimSkipped:
			continue
		case claimExhausted:
			s.logger.Warn("fiscal adapter lease expired",
				slog.String("document_id", d.ID.String()),
				slog.Int("attempts", doc.Attempts),
			)
			s.publish(ctx, doc)
			rep.Exhausted++
			continue
		}
		doc, err = s.fiscalize(ctx, d.ID)
		if err != nil {
			return rep, err
		}
		switch {
		case doc.Status == StatusSent:
			rep.Sent++
		case doc.NextRetryAt == nil:
			rep.Exhausted++
		default:
			rep.Failed++
		}
	}
	if rep.Due > 0 {
		s.logger.Info("fiscal retry sweep finished",
			slog.Int("due", rep.Due),
			slog.Int("sent", rep.Sent),
			slog.Int("failed", rep.Failed),
			slog.Int("exhausted", rep.Exhausted),
		)
	}
	return rep, nil
}

type claimResult int

const (
	claimSkipped claimResult = iota
	claimed
	claimExhausted
)

// claimForRetry moves a due adapter document to PROCESSING under a fresh
// lease. A document found PROCESSING past its lease lost its last
// outcome; that send counts as an attempt, and when none remain the
// document is failed for good instead.
func (s *Service) claimForRetry(ctx context.Context, docID id.DocumentID) (claimResult, *Document, error) {
	now := s.now().UTC()
	result := claimSkipped
	doc, err := s.store.UpdateDocument(ctx, docID, func(d *Document) (bool, error) {
		if d.Mode != ModeAdapter || d.NextRetryAt == nil || d.NextRetryAt.After(now) {
			return false, nil
		}
		switch d.Status {
		case StatusFailed:
		case StatusProcessing:
			d.Attempts++
			if d.Attempts >= s.cfg.FiscalMaxAdapterAttempts {
				markFailed(d, ErrLeaseExpired.Error(), nil, now)
				result = claimExhausted
				return true, nil
			}
		default:
			return false, nil
		}
		d.Status = StatusProcessing
		lease := now.Add(s.cfg.FiscalAdapterLease)
		d.NextRetryAt = &lease
		d.UpdatedAt = now
		result = claimed
		return true, nil
	})
	return result, doc, err
}

// RegisterSweep registers SweepTask on reg. The runner's lock keeps one
// sweep running across instances.
func (s *Service) RegisterSweep(reg *job.Registry, opts ...job.Option) {
	def := job.NewDefinition(SweepTask, func(ctx context.Context, p SweepPayload) (job.Details, error) {
		rep, err := s.SweepAdapterRetries(ctx, p.Limit)
		if err != nil {
			return nil, err
		}
		return job.Details{
			"due":       rep.Due,
			"sent":      rep.Sent,
			"failed":    rep.Failed,
			"exhausted": rep.Exhausted,
		}, nil
	}, opts...)
	job.RegisterDefinition(reg, def)
}
