package models

import "errors"

// ErrorClass is the failure taxonomy recorded on a job.
type ErrorClass string

const (
	// ErrorClassTransientExternal covers timeouts, rate limits, malformed
	// responses and an open circuit. Retried with backoff.
	ErrorClassTransientExternal ErrorClass = "transient_external"

	// ErrorClassTransientStorage is a lost claim race. Retried immediately.
	ErrorClassTransientStorage ErrorClass = "transient_storage"

	// ErrorClassTerminalInput is bad input that no retry can fix.
	ErrorClassTerminalInput ErrorClass = "terminal_input"

	// ErrorClassTerminalExhausted means a transient class ran out of attempts.
	ErrorClassTerminalExhausted ErrorClass = "terminal_exhausted"
)

// Sentinel errors for request and template validation.
var (
	// ErrInvalidRequest indicates a malformed submission or payload.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidTemplate indicates a template that cannot drive generation.
	ErrInvalidTemplate = errors.New("invalid template")
)
