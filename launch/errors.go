package launch

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind discriminates the failure classes of the launch engine.
//
// All of them abort the invocation that hit them: the engine never retries,
// skips, or degrades, since each kind indicates a logic or configuration error
// in the caller or backend.
type ErrorKind int

const (
	// KindUnknown is returned by KindOf for errors not created by this package.
	KindUnknown ErrorKind = iota

	// KindShapeMismatch: entry tensor count differs from the executable's
	// input shape count, or allocation index count differs from the return
	// tensor count.
	KindShapeMismatch

	// KindUnsupportedInputShape: a tuple-shaped entry tensor. Only flat
	// buffers are accepted as entry arguments.
	KindUnsupportedInputShape

	// KindCompilationFailure: the backend could not produce an executable for
	// a signature.
	KindCompilationFailure

	// KindResultShapeViolation: the backend result is not a tuple, or a
	// returned buffer is not pointer-identical to the pre-allocated output
	// buffer of its slot.
	KindResultShapeViolation

	// KindMissingRequiredOutput: zero return tensors requested.
	KindMissingRequiredOutput

	// KindExecutionFailure: the backend failed to run a compiled executable or
	// to drain its stream.
	KindExecutionFailure

	// KindInvalidState: misuse of a finalized object or broken collaborator
	// handles.
	KindInvalidState
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindShapeMismatch:
		return "ShapeMismatch"
	case KindUnsupportedInputShape:
		return "UnsupportedInputShape"
	case KindCompilationFailure:
		return "CompilationFailure"
	case KindResultShapeViolation:
		return "ResultShapeViolation"
	case KindMissingRequiredOutput:
		return "MissingRequiredOutput"
	case KindExecutionFailure:
		return "ExecutionFailure"
	case KindInvalidState:
		return "InvalidState"
	default:
		return "Unknown"
	}
}

// Error is the error type returned by the launch engine. It carries a Kind
// and a cause with a stack trace.
type Error struct {
	Kind  ErrorKind
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.cause }

// KindOf returns the ErrorKind of err, unwrapping as needed, or KindUnknown
// if err was not created by this package.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// errorf creates a launch Error of the given kind with a stack trace.
func errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// wrapf annotates a collaborator error with a kind and a message.
func wrapf(kind ErrorKind, err error, format string, args ...any) error {
	return &Error{Kind: kind, cause: errors.WithMessagef(err, format, args...)}
}
