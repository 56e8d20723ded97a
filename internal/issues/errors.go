package issues

import "errors"

// Validation failures. The HTTP layer maps these to 400 INVALID_REQUEST.
var (
	ErrInvalidStatus   = errors.New("invalid status")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrOwnerRequired   = errors.New("owner is required")
	ErrInvalidIssue    = errors.New("project and fingerprint are required")
)

// ErrInvalidTransition is returned for a known status that the lifecycle
// table does not allow from the issue's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrIssueNotFound is returned when a child record references a missing
// issue or event. Lookups report absence with a bool instead.
var ErrIssueNotFound = errors.New("issue not found")
