package stepctx

import (
	"fmt"

	"durably/internal/errkind"
)

// StepFailure signals that a step's function returned an error (or
// produced a non-serializable output). The Run Executor converts it into
// a Run-level failure carrying the originating step's name.
type StepFailure struct {
	Name string
	Kind errkind.Kind
	Err  error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Name, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }

// Cancelled signals that the Step Context observed the Run transition to
// cancelled before invoking the next step. The Executor treats this as a
// no-write terminal outcome: the Run is already cancelled in storage.
type Cancelled struct{}

func (Cancelled) Error() string { return "run cancelled" }
