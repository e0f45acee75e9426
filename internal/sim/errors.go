package sim

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoSnapshot rejects launching or resetting from a template that was
	// never captured; an empty session is a worse failure than a refused one.
	ErrNoSnapshot = errors.New("template has no captured snapshot")
	// ErrPrecondition covers state-machine violations such as resetting a
	// terminal session.
	ErrPrecondition = errors.New("session is not in the expected state")
	// ErrAlreadyCompleted guards the single-archival invariant: the second
	// completion call must fail, not write a duplicate history row.
	ErrAlreadyCompleted = errors.New("session already completed")
	ErrUnknownTable     = errors.New("table is not in the clinical record set")
)
