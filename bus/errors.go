package bus

import "errors"

var (
	// ErrValidation is returned when a message fails required-field checks.
	ErrValidation = errors.New("bus: invalid message")
	// ErrNotFound is returned when an operation references an unknown id.
	ErrNotFound = errors.New("bus: not found")
)
