// Package job defines named tasks: typed definitions, the registry the
// runner resolves them from, per-task options, and run outcomes.
//
// # Defining a Task
//
// Use [Definition] with a typed handler. The payload arrives as JSON, is
// decoded strictly (unknown fields are rejected), and is validated when
// the payload type implements [Validator]:
//
//	type ExportInput struct {
//	    TenantID string `json:"tenantId"`
//	    Day      string `json:"day"`
//	}
//
//	func (in ExportInput) Validate() error {
//	    if in.Day == "" {
//	        return errors.New("day is required")
//	    }
//	    return nil
//	}
//
//	var NightlyExport = job.NewDefinition("nightly-export",
//	    func(ctx context.Context, in ExportInput) (job.Details, error) {
//	        n, err := exporter.Run(ctx, in.TenantID, in.Day)
//	        return job.Details{"rows": n}, err
//	    },
//	    job.WithMaxAttempts(5),
//	)
//
// A payload that fails to decode or validate is a permanent error: the
// runner dead-letters it without spending the remaining attempts.
// Handlers may mark their own errors with [Permanent].
//
// # Outcomes
//
// Each run ends in exactly one [Outcome]: completed, skipped because the
// lock is held, skipped because the task is unknown, dead-lettered, or
// lock lost.
package job
