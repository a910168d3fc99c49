// Package apperror defines the error-kind taxonomy shared across the
// daemon: sentinel values checked with errors.Is, following the same
// pattern as the registry's own domain errors.
package apperror

import "errors"

var (
	// ErrNotFound marks a missing entity, device, driver, or home.
	ErrNotFound = errors.New("apperror: not found")

	// ErrValidation marks bad caller input: missing capability, unknown
	// kind, malformed descriptor.
	ErrValidation = errors.New("apperror: validation failed")

	// ErrRateLimited marks a per-entity command rate window exceeded.
	ErrRateLimited = errors.New("apperror: rate limited")

	// ErrDriverTransient marks a recoverable driver failure: I/O error,
	// timeout, a non-fatal rejected reply. Callers may retry.
	ErrDriverTransient = errors.New("apperror: driver transient failure")

	// ErrDriverFatal marks an unrecoverable driver failure: auth
	// rejected, capability not supported. Callers must not retry.
	ErrDriverFatal = errors.New("apperror: driver fatal failure")

	// ErrPersistence marks a storage layer failure. Not retried inside
	// the core.
	ErrPersistence = errors.New("apperror: persistence failure")

	// ErrInternal marks an unexpected condition (recovered panic,
	// invariant violation). Logged on the bus "error" topic; the caller
	// sees a generic failure.
	ErrInternal = errors.New("apperror: internal error")
)
