// Package observability provides an OpenTelemetry metrics extension for
// task runs. Register [MetricsExtension] with the runner's extension
// registry: every run increments exactly one outcome counter.
//
// Per-attempt tracing lives in the middleware package
// (middleware.Tracing).
package observability
