package dispatch

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a dynamic call failed. The split matters to
// callers: a resolution failure means the method does not exist on the
// interface revision in hand and another revision may be tried, while an
// exception or argument-count mismatch is final for that call.
type FailureKind string

const (
	// KindResolution means the method name could not be translated to a
	// member id on the live object. Non-fatal to the caller's larger plan.
	KindResolution FailureKind = "resolution"

	// KindException means the application behind the interface raised an
	// error. Its description is surfaced verbatim in Message.
	KindException FailureKind = "exception"

	// KindArgCount means the call supplied the wrong number of arguments
	// for the resolved member.
	KindArgCount FailureKind = "arg-count"

	// KindCall covers every other invocation failure.
	KindCall FailureKind = "call"
)

// HRESULTs the automation runtime uses for the failures we classify.
const (
	hrUnknownName    = 0x80020006 // DISP_E_UNKNOWNNAME
	hrMemberNotFound = 0x80020003 // DISP_E_MEMBERNOTFOUND
	hrException      = 0x80020009 // DISP_E_EXCEPTION
	hrBadParamCount  = 0x8002000E // DISP_E_BADPARAMCOUNT
)

// CallError is a classified dynamic-invocation failure.
type CallError struct {
	// Kind is the failure classification.
	Kind FailureKind

	// Method is the name the caller tried to invoke.
	Method string

	// HResult is the raw platform result code, when one was reported.
	HResult uint32

	// Message carries the application's own error description for
	// exceptions, verbatim.
	Message string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	switch e.Kind {
	case KindResolution:
		return fmt.Sprintf("%s: method not available on this interface revision: %v", e.Method, e.Err)
	case KindException:
		if e.Message != "" {
			return fmt.Sprintf("%s: application exception: %s", e.Method, e.Message)
		}
		return fmt.Sprintf("%s: application exception: %v", e.Method, e.Err)
	case KindArgCount:
		return fmt.Sprintf("%s: argument count mismatch: %v", e.Method, e.Err)
	default:
		return fmt.Sprintf("%s: call failed: %v", e.Method, e.Err)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *CallError) Unwrap() error {
	return e.Err
}

// IsResolutionFailure reports whether err is a member-id resolution
// failure, the retry-another-revision case.
func IsResolutionFailure(err error) bool {
	var e *CallError
	return errors.As(err, &e) && e.Kind == KindResolution
}

// IsException reports whether err is an exception raised by the
// application behind the interface.
func IsException(err error) bool {
	var e *CallError
	return errors.As(err, &e) && e.Kind == KindException
}

// IsArgCountMismatch reports whether err is an argument-count mismatch.
func IsArgCountMismatch(err error) bool {
	var e *CallError
	return errors.As(err, &e) && e.Kind == KindArgCount
}

// ExceptionMessage returns the application's verbatim error description
// when err carries one, and "" otherwise.
func ExceptionMessage(err error) string {
	var e *CallError
	if errors.As(err, &e) && e.Kind == KindException {
		return e.Message
	}
	return ""
}
