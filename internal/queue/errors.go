package queue

import "errors"

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrClaimLost is returned when a conditional update matched no row:
	// another worker claimed the job first, or the caller no longer holds
	// the claim.
	ErrClaimLost = errors.New("claim lost")

	// ErrTerminal is returned when an operation targets a job that is
	// already completed, failed, cancelled or archived.
	ErrTerminal = errors.New("job is terminal")

	// ErrNoJob is returned by Claim when nothing is eligible.
	ErrNoJob = errors.New("no eligible job")
)
