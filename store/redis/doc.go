// Package redis implements lock.Store, dlq.Store and event.Channel on
// Redis. Locks are plain keys set with SET NX PX and mutated through Lua
// scripts that compare the owner token first. Dead letters are Hashes
// indexed by a Sorted Set on failure time. The broadcast channel uses
// PUBLISH/SUBSCRIBE.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	locks, err := lock.NewManager(s, lock.WithEnvironment(tally.EnvProduction))
//	bus := event.NewBroadcastBus(s.Channel(""))
package redis
