package durably

import (
	"errors"

	"durably/internal/errkind"
)

// Error is the classified error type returned by every Durably
// operation that fails in a recognized way. Use errors.As to recover
// the Kind; durably.Is(err, kind) is a convenience wrapper around that.
type Error = errkind.Error

// Kind re-exports the error taxonomy from §7 so callers never need to
// import the internal errkind package directly.
type Kind = errkind.Kind

const (
	KindInvalidInput              = errkind.InvalidInput
	KindInvalidOutput             = errkind.InvalidOutput
	KindStepOutputNotSerializable = errkind.StepOutputNotSerializable
	KindStepFailed                = errkind.StepFailed
	KindHandlerFailed             = errkind.HandlerFailed
	KindCancelled                 = errkind.Cancelled
	KindTimeout                   = errkind.Timeout
	KindInvalidTransition         = errkind.InvalidTransition
	KindAlreadyRegistered         = errkind.AlreadyRegistered
	KindRunNotFound               = errkind.RunNotFound
	KindJobNotFound               = errkind.JobNotFound
	KindTransientStorage          = errkind.TransientStorage
)

// Is reports whether err is a Durably Error of the given Kind.
func Is(err error, kind Kind) bool {
	var classified *Error
	if !errors.As(err, &classified) {
		return false
	}
	return classified.Kind == kind
}

func newError(kind Kind, err error) *Error {
	return errkind.New(kind, err)
}
