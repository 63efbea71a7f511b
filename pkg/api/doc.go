// Package api exposes the service over HTTP: POST /v1/authorize for
// access checks, the /v1/invalidate hooks and /v1/events feed for the
// mutation layer, and read-only monitoring endpoints.
package api
