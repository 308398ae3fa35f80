package broadcast

import "errors"

// Error kinds surfaced by the coordinator. Callers classify with errors.Is
// and the API layer maps each kind onto an HTTP status.
var (
	// ErrNotFound marks a missing broadcast or user.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks an operation against a broadcast in the wrong
	// lifecycle phase, e.g. a handover on a show that is not live.
	ErrInvalidState = errors.New("invalid broadcast state")
	// ErrValidation marks a request that names an ineligible participant.
	ErrValidation = errors.New("validation failed")
	// ErrPermission marks an initiator who may not perform the operation.
	ErrPermission = errors.New("permission denied")
)
