package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tally"
	"github.com/xraph/tally/dlq"
	"github.com/xraph/tally/id"
)

// PushDLQ stores the entry as a Hash and indexes it by FailedAt.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	eID := entry.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, dlqKey(eID), dlqToMap(entry))
	pipe.ZAdd(ctx, dlqIndexKey, goredis.Z{Score: score(entry.FailedAt), Member: eID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tally/redis: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns entries matching opts, newest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	ids, err := s.client.ZRevRange(ctx, dlqIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("tally/redis: list dlq: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, eID := range ids {
		cmds[i] = pipe.HGetAll(ctx, dlqKey(eID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("tally/redis: list dlq fetch: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		e, convErr := mapToDLQ(vals)
		if convErr != nil {
			s.logger.Warn("skipping unreadable dlq entry", "error", convErr)
			continue
		}
		if opts.JobName != "" && e.JobName != opts.JobName {
			continue
		}
		if opts.TenantID != "" && e.TenantID != opts.TenantID {
			continue
		}
		entries = append(entries, e)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return nil, nil
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	vals, err := s.client.HGetAll(ctx, dlqKey(entryID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("tally/redis: get dlq: %w", err)
	}
	if len(vals) == 0 {
		return nil, tally.ErrDLQNotFound
	}
	return mapToDLQ(vals)
}

// ReplayDLQ marks a DLQ entry as replayed at the given time.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID, at time.Time) error {
	key := dlqKey(entryID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("tally/redis: replay dlq exists: %w", err)
	}
	if exists == 0 {
		return tally.ErrDLQNotFound
	}
	if err := s.client.HSet(ctx, key, "replayed_at", at.UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("tally/redis: replay dlq: %w", err)
	}
	return nil
}

// PurgeDLQ removes entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, dlqIndexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("tally/redis: purge dlq range: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, eID := range ids {
		pipe.Del(ctx, dlqKey(eID))
		pipe.ZRem(ctx, dlqIndexKey, eID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("tally/redis: purge dlq del: %w", err)
	}
	return int64(len(ids)), nil
}

// CountDLQ returns the number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, dlqIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("tally/redis: count dlq: %w", err)
	}
	return count, nil
}

// ── helpers ──

func score(t time.Time) float64 { return float64(t.UnixMicro()) }

func dlqToMap(e *dlq.Entry) map[string]interface{} {
	m := map[string]interface{}{
		"id":         e.ID.String(),
		"tenant_id":  e.TenantID,
		"job_name":   e.JobName,
		"payload":    string(e.Payload),
		"attempts":   strconv.Itoa(e.Attempts),
		"error":      e.Error,
		"failed_at":  e.FailedAt.UTC().Format(time.RFC3339Nano),
		"created_at": e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.ReplayedAt != nil {
		m["replayed_at"] = e.ReplayedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

func mapToDLQ(m map[string]string) (*dlq.Entry, error) {
	eID, err := id.ParseDLQID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("tally/redis: parse dlq id: %w", err)
	}
	attempts, _ := strconv.Atoi(m["attempts"])                    //nolint:errcheck // best-effort parse from trusted Redis data
	failedAt, _ := time.Parse(time.RFC3339Nano, m["failed_at"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	e := &dlq.Entry{
		ID:        eID,
		TenantID:  m["tenant_id"],
		JobName:   m["job_name"],
		Payload:   []byte(m["payload"]),
		Attempts:  attempts,
		Error:     m["error"],
		FailedAt:  failedAt,
		CreatedAt: createdAt,
	}
	if v := m["replayed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		e.ReplayedAt = &t
	}
	return e, nil
}
