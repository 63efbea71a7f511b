// Package monitor tracks authorization latency and cache effectiveness.
// The Recorder takes fire-and-forget samples off the hot path into
// rolling windows for p50/p95/p99, per-tier counters, and a Prometheus
// mirror; the Alerter evaluates the snapshot against latency and
// hit-rate thresholds on a schedule.
package monitor
