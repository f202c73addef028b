package event

import "fmt"

// ValidationError reports a malformed fact: a structural problem visible
// without consulting mirror state. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid fact: field %s: %s", e.Field, e.Reason)
}
