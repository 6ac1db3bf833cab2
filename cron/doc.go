// Package cron fires registered tasks on cron schedules.
//
// Every instance runs its own [Scheduler] with the same entries. A fire
// goes through the runner, so the task's distributed lock decides which
// instance executes it; the rest record a skipped run. Missed activations
// (a long pause, a slow tick) collapse into a single fire.
//
// # Entry
//
// An [Entry] represents a recurring task schedule:
//   - Schedule: standard 5-field cron expression or descriptor ("@every 30s")
//   - Task: the registered task fired on each activation
//   - Payload: static JSON payload passed to every run
//   - Enabled: whether the entry fires
//
// # Registering
//
//	sched := cron.NewScheduler(run, cron.WithEmitter(extensions))
//	err := cron.Register(sched, cron.Definition[fiscal.SweepPayload]{
//	    Name:     "fiscal-sweep",
//	    Schedule: "@every 1m",
//	    Task:     fiscal.SweepTask,
//	})
//
// The [ext.CronFired] extension hook fires after each submission.
package cron
