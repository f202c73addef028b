package state

import "fmt"

// ConflictError reports a fact that is semantically invalid against current
// token state (guard failure). The fact is NOT marked applied on conflict, so
// a corrected resubmission can still succeed.
type ConflictError struct {
	Precondition string // the violated guard, e.g. "token_listed"
	Detail       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s: %s", e.Precondition, e.Detail)
}

func conflictf(precondition, format string, args ...interface{}) *ConflictError {
	return &ConflictError{Precondition: precondition, Detail: fmt.Sprintf(format, args...)}
}
