package postgres

import (
	"context"
	"fmt"
	"time"
)

// TryAcquire implements lock.Store over the tally_locks lease table. Expiry
// is judged by the database clock so instances with skewed clocks agree.
func (s *Store) TryAcquire(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO tally_locks (name, token, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
		ON CONFLICT (name) DO UPDATE
			SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
			WHERE tally_locks.expires_at <= NOW()`,
		name, token, ttl.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("tally/postgres: acquire lock %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Extend implements lock.Store.
func (s *Store) Extend(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tally_locks
		SET expires_at = NOW() + $3 * INTERVAL '1 millisecond'
		WHERE name = $1 AND token = $2 AND expires_at > NOW()`,
		name, token, ttl.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("tally/postgres: extend lock %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release implements lock.Store.
func (s *Store) Release(ctx context.Context, name, token string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tally_locks WHERE name = $1 AND token = $2`,
		name, token,
	)
	if err != nil {
		return false, fmt.Errorf("tally/postgres: release lock %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}
