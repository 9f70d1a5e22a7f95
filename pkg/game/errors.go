package game

import "fmt"

// ValidationError is returned when an intent violates a rule
// precondition. It is rejected locally and never reaches the store.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid action: %s", e.Reason)
}

func IsValidationError(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
