package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates a unique constraint (external identity) was violated.
	ErrConflict = errors.New("repository: conflict")
	// ErrStaleTransition indicates the stored provisioning status no longer
	// matches the precondition of a conditional write.
	ErrStaleTransition = errors.New("repository: stale provisioning transition")
	// ErrInvalidTransition indicates an update that can never be applied.
	ErrInvalidTransition = errors.New("repository: invalid provisioning transition")
)
