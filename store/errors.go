package store

import "errors"

// Failure taxonomy shared by all implementations. Drivers wrap their own
// errors with these sentinels so callers can branch with errors.Is without
// importing driver packages.
var (
	// ErrNotFound reports a missing key. A cache miss is control flow,
	// not a fault.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable reports that the store cannot be reached (network,
	// pool exhaustion, shutdown). Admission maps it to the per-provider
	// fail-open or fail-closed policy.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrTimeout reports a store call that exceeded its context deadline.
	ErrTimeout = errors.New("store: timeout")

	// ErrConflict reports a lost race on a guarded mutation, for example
	// a fenced write whose lease changed hands.
	ErrConflict = errors.New("store: conflict")
)
