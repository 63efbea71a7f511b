// Package identity resolves bearer tokens to subjects before any
// authorization runs.
package identity
