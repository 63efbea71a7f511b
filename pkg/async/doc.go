// Package async provides supervised goroutines and a bounded worker pool
// for gatekeeper's background tasks: cache warming, invalidation retries,
// and decision self-checks. Use SafeGo instead of a bare `go func()` so a
// panic in a background task is logged rather than crashing the process.
package async
