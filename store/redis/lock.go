package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// extendScript resets the TTL only while the key still holds the caller's
// token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only while it still holds the caller's
// token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryAcquire sets the lock key with SET NX PX.
func (s *Store) TryAcquire(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKey(name), token, clampTTL(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("tally/redis: acquire lock: %w", err)
	}
	return ok, nil
}

// Extend resets the TTL if name is still held by token.
func (s *Store) Extend(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, s.client, []string{lockKey(name)}, token, clampTTL(ttl).Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("tally/redis: extend lock: %w", err)
	}
	return n == 1, nil
}

// Release deletes the lock key if it is held by token.
func (s *Store) Release(ctx context.Context, name, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{lockKey(name)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("tally/redis: release lock: %w", err)
	}
	return n == 1, nil
}

// clampTTL keeps sub-millisecond TTLs from turning into "no expiry".
func clampTTL(ttl time.Duration) time.Duration {
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}
