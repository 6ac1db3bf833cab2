// Package tally is the reliability core of the retail operations platform.
// It provides the pieces that background work and store-to-device
// communication share across process instances:
//
//   - lock: named, TTL-bounded distributed locks with owner tokens
//   - runner: at-most-one execution of a named task with retries,
//     exponential backoff, and dead-lettering
//   - event: a domain event bus that fans out locally and relays to other
//     instances over a broadcast channel, degrading to local delivery
//   - fiscal: the KKM connector queue that lets a paired cash-register
//     bridge claim fiscal documents and report results exactly once
//   - cron: schedules that submit tasks through the runner
//   - stream: live fan-out of bus events to dashboards
//   - api and client: the HTTP surface and the bridge-side Go client
//
// # Quick Start
//
//	locks, _ := lock.NewManager(tallyredis.New(client),
//	    lock.WithEnvironment(tally.EnvProduction))
//	reg := job.NewRegistry()
//	job.RegisterDefinition(reg, job.NewDefinition("nightly-export", exportFn))
//	r := runner.New(reg, locks, dlq.NewService(pgStore))
//	res, err := r.Run(ctx, "nightly-export", payload)
//
// # Architecture
//
// Every subsystem defines its own store interface (lock.Store, dlq.Store,
// fiscal.Store, event.Channel). Backends under store/ implement them:
// Postgres for the fiscal queue and dead letters, Redis or DynamoDB for
// locks, and Redis, Postgres, or Kafka for cross-instance event relay.
//
// Entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based.
package tally
