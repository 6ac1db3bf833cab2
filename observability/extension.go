package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/tally/ext"
	"github.com/xraph/tally/job"
)

// meterName is the instrumentation scope name for tally metrics.
const meterName = "github.com/xraph/tally"

// Compile-time interface checks.
var (
	_ ext.Extension    = (*MetricsExtension)(nil)
	_ ext.TaskRetrying = (*MetricsExtension)(nil)
	_ ext.TaskFinished = (*MetricsExtension)(nil)
	_ ext.CronFired    = (*MetricsExtension)(nil)
)

// MetricsExtension records run metrics through the OTel metric API.
//
// Instruments:
//   - tally.job.outcomes (Int64Counter): one increment per run, with
//     attributes task and outcome
//   - tally.job.retries (Int64Counter): one increment per rescheduled
//     attempt, with attribute task
//   - tally.job.duration (Float64Histogram): run duration in seconds for
//     runs that invoked the handler, with attributes task and outcome
//   - tally.cron.fired (Int64Counter): schedule fires, with attributes
//     entry and task
type MetricsExtension struct {
	outcomes  metric.Int64Counter
	retries   metric.Int64Counter
	duration  metric.Float64Histogram
	cronFired metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider. With none configured the instruments are noops.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided
// meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// On error the API returns noop instruments.
	outcomes, _ := meter.Int64Counter("tally.job.outcomes",
		metric.WithDescription("Task runs by final outcome"),
		metric.WithUnit("{run}"),
	)
	retries, _ := meter.Int64Counter("tally.job.retries",
		metric.WithDescription("Failed attempts that were rescheduled"),
		metric.WithUnit("{attempt}"),
	)
	duration, _ := meter.Float64Histogram("tally.job.duration",
		metric.WithDescription("Duration of task runs in seconds"),
		metric.WithUnit("s"),
	)
	cronFired, _ := meter.Int64Counter("tally.cron.fired",
		metric.WithDescription("Schedule entries fired"),
		metric.WithUnit("{fire}"),
	)
	return &MetricsExtension{
		outcomes:  outcomes,
		retries:   retries,
		duration:  duration,
		cronFired: cronFired,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnTaskRetrying implements ext.TaskRetrying.
func (m *MetricsExtension) OnTaskRetrying(ctx context.Context, a job.Attempt, _ error, _ time.Duration) error {
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("task", a.Task)))
	return nil
}

// OnTaskFinished implements ext.TaskFinished.
func (m *MetricsExtension) OnTaskFinished(ctx context.Context, res *job.Result) error {
	attrs := metric.WithAttributes(
		attribute.String("task", res.Task),
		attribute.String("outcome", string(res.Outcome)),
	)
	m.outcomes.Add(ctx, 1, attrs)
	if !res.Outcome.Skipped() {
		m.duration.Record(ctx, res.Duration.Seconds(), attrs)
	}
	return nil
}

// OnCronFired implements ext.CronFired.
func (m *MetricsExtension) OnCronFired(ctx context.Context, entryName, task string) error {
	m.cronFired.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entry", entryName),
		attribute.String("task", task),
	))
	return nil
}
