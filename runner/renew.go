package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/tally"
)

// renewLoop extends the lock every TTL/3 until the run finishes. A
// rejected renewal means another owner has the lock: the run context is
// cancelled with tally.ErrLockLost. Store errors are tolerated until a
// full TTL has passed without a successful renewal.
func (e *execution) renewLoop() {
	defer close(e.renewDone)

	interval := e.handle.TTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastRenewed := time.Now()
	log := e.r.logger.With(slog.String("task", e.handle.Name))

	for {
		select {
		case <-e.renewStop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(e.parent), interval)
		ok, err := e.r.locks.Renew(ctx, e.handle)
		cancel()

		switch {
		case err != nil:
			log.Warn("lock renewal failed", slog.String("error", err.Error()))
			if time.Since(lastRenewed) >= e.handle.TTL {
				e.cancel(tally.ErrLockLost)
				return
			}
		case !ok:
			e.cancel(tally.ErrLockLost)
			return
		default:
			lastRenewed = time.Now()
		}
	}
}
