// Package observability provides structured logging and health checks for
// the gatekeeper service.
//
// The Logger wraps slog with a JSON handler and chainable field helpers;
// request id and subject id propagate through context so every log line in
// an authorization call path carries the same correlation fields. The
// HealthChecker probes PostgreSQL and Redis with bounded timeouts and maps
// them onto liveness/readiness semantics: a dead database is unhealthy, a
// dead Redis only degrades.
package observability
