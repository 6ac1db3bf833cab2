// Package middleware provides composable middleware around each task
// attempt.
//
// A [Middleware] wraps a [Handler]. Middleware are composed with [Chain]
// and applied right-to-left: the first middleware in the slice is the
// outermost wrapper.
//
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs task, attempt number, duration, and outcome
//   - [Recover]: converts panics to errors
//   - [Timeout]: bounds the attempt by its configured timeout
//   - [Tracing]: wraps the attempt in an OpenTelemetry span
package middleware
