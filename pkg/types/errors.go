package types

import "errors"

// Invariant violations reported by CheckInvariants. Stores wrap these in a
// CONSTRAINT_VIOLATION error before surfacing them to callers.
var (
	ErrMissingID             = errors.New("item id must not be nil")
	ErrMissingTenant         = errors.New("tenant key (user_id) must not be nil")
	ErrMissingTitle          = errors.New("title must not be empty")
	ErrInvalidStatus         = errors.New("status must be todo, in_progress, or done")
	ErrInvalidPriority       = errors.New("priority must be between 1 and 5")
	ErrDepthExceeded         = errors.New("item depth exceeds maximum nesting depth")
	ErrCompletedAtMismatch   = errors.New("completed_at must be set exactly when status is done")
	ErrIncompleteInteraction = errors.New("interaction requires a type and a prompt")
)
