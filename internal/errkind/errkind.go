// Package errkind names the error taxonomy shared by storage, the step
// context, the executor, and the public durably package. It is a leaf
// package so every layer can classify errors without import cycles.
package errkind

import "fmt"

// Kind identifies the category of a Durably error. Kinds are stable
// strings, not Go types, so they serialize cleanly into logs and events.
type Kind string

const (
	InvalidInput              Kind = "invalid_input"
	InvalidOutput             Kind = "invalid_output"
	StepOutputNotSerializable Kind = "step_output_not_serializable"
	StepFailed                Kind = "step_failed"
	HandlerFailed             Kind = "handler_failed"
	Cancelled                 Kind = "cancelled"
	Timeout                   Kind = "timeout"
	InvalidTransition         Kind = "invalid_transition"
	AlreadyRegistered         Kind = "already_registered"
	RunNotFound               Kind = "run_not_found"
	JobNotFound               Kind = "job_not_found"
	TransientStorage          Kind = "transient_storage"
)

// Error pairs a classification Kind with its underlying cause. It is the
// common error shape returned by Storage, the Step Context, the Run
// Executor, and the public durably package — callers use errors.As to
// recover the Kind regardless of which layer produced it.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified Error.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
