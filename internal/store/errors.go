package store

// ============================================================================
// Store Error Definitions
// ============================================================================

import "errors"

var (
	// ErrJobNotFound indicates the requested job id has no directory in the store.
	ErrJobNotFound = errors.New("store: job not found")

	// ErrLockUnavailable indicates a lock could not be acquired within the
	// bounded retry budget.
	ErrLockUnavailable = errors.New("store: lock unavailable")

	// ErrNoStatus indicates a job directory exists but its state file is empty,
	// which should never happen for a job created through CreateJob.
	ErrNoStatus = errors.New("store: job has no status history")
)
