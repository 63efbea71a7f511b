// Package config loads the daemon configuration from GATEKEEPER_*
// environment variables.
package config
