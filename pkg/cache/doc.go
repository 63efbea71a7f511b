// Package cache implements the tiered decision cache and its
// orchestration.
//
// # Overview
//
// Reads walk four tiers: an in-process expirable LRU (L1), Redis (L2),
// the materialized access views in Postgres (L3, read permission only),
// and finally the resolution engine against the source of truth.
// Whichever tier answers populates the tiers above it. L2 and L3 carry
// hard per-lookup budgets; a slow or failing tier counts as a miss so
// cache trouble degrades latency, never correctness. Concurrent misses
// for the same inputs collapse into a single resolution.
//
// Keys embed every input a decision derives from, so invalidation is a
// glob pattern: by user, by project subtree, or by single resource.
// Invalidations that fail against Redis queue into the Sweeper for
// retry; the decision TTL bounds staleness regardless. Short-lived
// bypass markers keep reads off the view rows made stale by an
// invalidation until the next refresh.
package cache
