package redis

// Redis key naming conventions for tally data.
// All keys are prefixed with "tally:" to avoid collisions.

const keyPrefix = "tally:"

// ── Lock keys ──

// lockKey returns the key holding a lock's owner token: tally:lock:{name}
func lockKey(name string) string { return keyPrefix + "lock:" + name }

// ── DLQ keys ──

// dlqKey returns the Hash key for a DLQ entry: tally:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqIndexKey is the Sorted Set of DLQ entry IDs scored by FailedAt in
// microseconds.
const dlqIndexKey = keyPrefix + "dlq_idx"

// ── Channel keys ──

// DefaultChannel is the pub/sub channel used when none is given.
const DefaultChannel = keyPrefix + "events"
