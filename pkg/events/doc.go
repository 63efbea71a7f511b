// Package events consumes mutation notifications from the platform's
// write path and turns them into cache invalidations, so decisions go
// stale by event rather than only by TTL.
package events
