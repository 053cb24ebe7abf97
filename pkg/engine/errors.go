package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a failure for cycle-to-cycle behavior.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that may heal by the next
	// run. Examples: the accounting application is closed, the sink is
	// unreachable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a failure that will not heal on its
	// own. Examples: a malformed response, a method missing from every
	// known interface revision.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassExpected indicates a normal domain outcome reported
	// through the error channel, such as an account absent from the
	// company file.
	ErrorClassExpected ErrorClass = "expected"
)

// ErrorCode identifies the failure for programmatic handling.
type ErrorCode string

const (
	// ErrCodeInterfaceUnavailable means every candidate interface
	// revision failed to instantiate.
	ErrCodeInterfaceUnavailable ErrorCode = "INTERFACE_UNAVAILABLE"

	// ErrCodeConnectionFailed means the application refused the
	// connection open.
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"

	// ErrCodeSessionFailed means a session could not be begun against
	// the company file, or died underneath the run.
	ErrCodeSessionFailed ErrorCode = "SESSION_FAILED"

	// ErrCodeDispatchResolutionFailed means a method name failed to
	// resolve on the live interface revision.
	ErrCodeDispatchResolutionFailed ErrorCode = "DISPATCH_RESOLUTION_FAILED"

	// ErrCodeInvocationException means the application raised an error
	// from inside a call.
	ErrCodeInvocationException ErrorCode = "INVOCATION_EXCEPTION"

	// ErrCodeAccountNotFound means the queried account does not exist in
	// the company file. Expected, never a zero balance.
	ErrCodeAccountNotFound ErrorCode = "ACCOUNT_NOT_FOUND"

	// ErrCodeUnexpectedResponseShape means the query response did not
	// have the one shape the engine accepts.
	ErrCodeUnexpectedResponseShape ErrorCode = "UNEXPECTED_RESPONSE_SHAPE"

	// ErrCodeTypeMismatch means a value crossed the variant codec under
	// the wrong discriminant.
	ErrCodeTypeMismatch ErrorCode = "TYPE_MISMATCH"

	// ErrCodeSinkDeliveryFailed means the sink rejected or never
	// received a balance.
	ErrCodeSinkDeliveryFailed ErrorCode = "SINK_DELIVERY_FAILED"

	// ErrCodeRunActive means another run already holds the guard; the
	// trigger was skipped, not queued.
	ErrCodeRunActive ErrorCode = "RUN_ACTIVE"
)

// SyncError is a classified failure with sync-cycle context.
type SyncError struct {
	// Class is the failure classification.
	Class ErrorClass `json:"class"`

	// Code identifies the failure for programmatic handling.
	Code ErrorCode `json:"code"`

	// Op is the operation underway when the failure happened, when known
	// (e.g. "BeginSession", "AccountQuery").
	Op string `json:"op,omitempty"`

	// Block is the sync block the failure belongs to, when the failure
	// is block-scoped.
	Block string `json:"block,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// ErrRunActive reports an overlapping trigger. Match with errors.Is; use
// NewTransientError to construct a fresh instance to return.
var ErrRunActive = &SyncError{Class: ErrorClassTransient, Code: ErrCodeRunActive}

// Error implements the error interface.
func (e *SyncError) Error() string {
	switch {
	case e.Op != "" && e.Block != "":
		return fmt.Sprintf("[%s] %s (op=%s, block=%s)%s", e.Class, e.Code, e.Op, e.Block, e.causeSuffix())
	case e.Op != "":
		return fmt.Sprintf("[%s] %s (op=%s)%s", e.Class, e.Code, e.Op, e.causeSuffix())
	case e.Block != "":
		return fmt.Sprintf("[%s] %s (block=%s)%s", e.Class, e.Code, e.Block, e.causeSuffix())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Class, e.Code, e.causeSuffix())
	}
}

func (e *SyncError) causeSuffix() string {
	if e.Err == nil {
		return ""
	}
	return ": " + e.Err.Error()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two sync errors match when
// class and code agree, regardless of context fields.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a transient error with the given code.
func NewTransientError(code ErrorCode, err error) *SyncError {
	return &SyncError{Class: ErrorClassTransient, Code: code, Err: err}
}

// NewPermanentError creates a permanent error with the given code.
func NewPermanentError(code ErrorCode, err error) *SyncError {
	return &SyncError{Class: ErrorClassPermanent, Code: code, Err: err}
}

// NewExpectedError creates an expected-outcome error with the given code.
func NewExpectedError(code ErrorCode, err error) *SyncError {
	return &SyncError{Class: ErrorClassExpected, Code: code, Err: err}
}

// WithOperation adds operation context to the error.
func (e *SyncError) WithOperation(op string) *SyncError {
	e.Op = op
	return e
}

// WithBlock adds block context to the error.
func (e *SyncError) WithBlock(block string) *SyncError {
	e.Block = block
	return e
}

// WithCause attaches the underlying error.
func (e *SyncError) WithCause(err error) *SyncError {
	e.Err = err
	return e
}

// CodeOf extracts the error code, "" when err carries none.
func CodeOf(err error) ErrorCode {
	var e *SyncError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ClassOf extracts the error class, "" when err carries none.
func ClassOf(err error) ErrorClass {
	var e *SyncError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsTransient reports whether the error is classified as transient.
func IsTransient(err error) bool {
	var e *SyncError
	return errors.As(err, &e) && e.Class == ErrorClassTransient
}

// IsPermanent reports whether the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *SyncError
	return errors.As(err, &e) && e.Class == ErrorClassPermanent
}

// IsNotFound reports whether the error is an absent-account outcome.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeAccountNotFound
}

// IsRunActive reports whether the error is an overlapping-trigger skip.
func IsRunActive(err error) bool {
	return CodeOf(err) == ErrCodeRunActive
}

// IsSessionScoped reports whether the error poisons the whole session
// rather than a single block. A session-scoped failure aborts remaining
// queries; teardown is still attempted.
func IsSessionScoped(err error) bool {
	switch CodeOf(err) {
	case ErrCodeInterfaceUnavailable, ErrCodeConnectionFailed, ErrCodeSessionFailed:
		return true
	default:
		return false
	}
}
