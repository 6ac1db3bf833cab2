// Package ext defines lifecycle hooks for task runs.
//
// Extensions opt in to the events they care about by implementing the
// matching hook interface. The runner emits:
//
//   - [TaskStarted] before each attempt
//   - [TaskRetrying] when a failed attempt is rescheduled
//   - [TaskDeadLettered] after a dead letter is recorded
//   - [TaskFinished] once per run with the final result
//
// and the scheduler and process entry point emit [CronFired] and
// [Shutdown].
//
//	type auditExt struct{ w io.Writer }
//
//	func (auditExt) Name() string { return "audit" }
//
//	func (a auditExt) OnTaskFinished(_ context.Context, res *job.Result) error {
//	    _, err := fmt.Fprintf(a.w, "%s %s\n", res.Task, res.Outcome)
//	    return err
//	}
//
// Hook errors are logged and never fail a run.
package ext
