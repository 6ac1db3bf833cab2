package dlq

import (
	"context"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/job"
)

// Runner runs a task by name. runner.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, name string, payload []byte) (*job.Result, error)
}

// Replay runs the entry's task again with the saved payload under the
// normal lock and retry rules. The entry is marked replayed once the run
// reached the handler. A skipped run leaves the entry untouched so it can
// be replayed later. A replay that fails again produces a new entry.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID, r Runner) (*job.Result, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}

	res, err := r.Run(ctx, entry.JobName, entry.Payload)
	if err != nil {
		return nil, err
	}
	if res.Outcome.Skipped() {
		return res, nil
	}

	if err := s.store.ReplayDLQ(ctx, entryID, s.now().UTC()); err != nil {
		return res, err
	}
	return res, nil
}
