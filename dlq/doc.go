// Package dlq holds dead letters: task runs that failed every attempt.
//
// The runner calls [Service.Push] when a run exhausts its attempt budget
// or hits a permanent error. The entry keeps the task name, the payload
// snapshot, the attempt count, the last error, and the tenant extracted
// from the payload for audit grouping.
//
// [Service.Replay] runs the task again through the runner with the saved
// payload and stamps ReplayedAt. The api package exposes list, get,
// replay, purge, and count under /v1/dlq.
package dlq
