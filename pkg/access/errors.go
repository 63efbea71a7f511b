package access

import "errors"

var (
	// ErrValidation marks malformed identifiers or unknown enum values.
	// Rejected fast, never retried, surfaced to the caller.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned by the store when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrResolutionUnavailable means the source of truth timed out or was
	// unreachable after the single retry. Surfaced to the caller as
	// service-unavailable; never converted into a grant or a denial.
	ErrResolutionUnavailable = errors.New("resolution unavailable")

	// ErrCacheTierUnavailable marks a single cache tier being down. The
	// orchestrator logs it and falls through to the next tier; it never
	// fails the request.
	ErrCacheTierUnavailable = errors.New("cache tier unavailable")

	// ErrInvalidationFailed means a cache tier did not acknowledge an
	// invalidation. Queued for background retry; TTL is the backstop.
	ErrInvalidationFailed = errors.New("invalidation failed")

	// ErrInconsistentGrant is the internal self-check failure: a cached
	// decision no longer matches a fresh resolution. The entry is
	// invalidated immediately and the mismatch logged as a data-integrity
	// warning.
	ErrInconsistentGrant = errors.New("inconsistent grant")
)
