package agent

import "fmt"

// ModelInvocationError is returned when the model call fails, times out,
// or is cancelled. The turn fails and nothing is committed.
type ModelInvocationError struct {
	Model string
	Err   error
}

func (e *ModelInvocationError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *ModelInvocationError) Unwrap() error { return e.Err }
