// Package observability provides structured logging and metrics for the
// policy enforcement gate.
//
// Logging is zap-based and configured from the environment. Metrics are
// built on the OpenTelemetry metric API: decision outcomes, token
// consumption failures, breaker transitions and reservation drift.
package observability
