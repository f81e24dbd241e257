package build

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingContext is returned when the build context or a file the
	// recipe copies from it does not exist.
	ErrMissingContext = errors.New("build context missing")
	// ErrPreflight wraps every failure detected before the engine is used.
	ErrPreflight = errors.New("pre-flight check failed")
)

// StepError is returned when a build step fails. No image is tagged.
type StepError struct {
	Index int
	Kind  Kind
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the kind of the step that failed, if err came from one.
func FailedStep(err error) (Kind, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}
