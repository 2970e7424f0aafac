// Package apperrors defines the sentinel error classes shared across the
// registry client, version resolver, and update/backup pipelines so
// callers can classify a failure with errors.Is regardless of which
// package produced it.
package apperrors

import "errors"

var (
	// ErrConfig marks a configuration value that failed validation.
	ErrConfig = errors.New("configuration error")
	// ErrSubprocess marks a failure launching or running an external
	// command (docker, docker compose, pg_dump, ...).
	ErrSubprocess = errors.New("subprocess error")
	// ErrRegistry marks a failure talking to a container registry.
	ErrRegistry = errors.New("registry error")
	// ErrIO marks a local filesystem or archive failure.
	ErrIO = errors.New("io error")
	// ErrVerify marks a post-pull digest verification failure.
	ErrVerify = errors.New("verification error")
	// ErrHealth marks a service that did not become healthy in time.
	ErrHealth = errors.New("health check error")
	// ErrCancelled marks a pipeline stopped by an explicit cancel request.
	ErrCancelled = errors.New("cancelled")
)
