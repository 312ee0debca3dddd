package processor

import "errors"

var (
	// ErrUnregisteredType is returned when no processor handles an activity type
	ErrUnregisteredType = errors.New("unregistered activity type")

	// ErrAlreadyRegistered is returned when two processors claim the same type
	ErrAlreadyRegistered = errors.New("processor already registered")

	// ErrCreationLimit is returned when an execution chains too many activities
	ErrCreationLimit = errors.New("creation limit exceeded")

	// ErrUndeclaredOutput is returned when a chain creates a type the processor did not declare
	ErrUndeclaredOutput = errors.New("undeclared output type")
)
