package transit

import "errors"

var (
	// ErrInvalidPosition marks a malformed position report. Rejected, never retried.
	ErrInvalidPosition = errors.New("invalid position")
	// ErrInvalidRoute marks a route without enough geometry for progress computation.
	ErrInvalidRoute = errors.New("invalid route")
	// ErrProviderUnavailable marks a failed or timed-out routing provider call.
	// It is recovered locally by falling back to straight-line estimates.
	ErrProviderUnavailable = errors.New("routing provider unavailable")
	ErrNotFound            = errors.New("not found")
)
