package engines

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass classifies engine failures for retry and circuit decisions.
type ErrorClass string

const (
	// ClassUnreachable means the engine endpoint could not be reached at all.
	ClassUnreachable ErrorClass = "unreachable"
	// ClassTimeout means the engine did not answer within the deadline.
	ClassTimeout ErrorClass = "timeout"
	// ClassEngine means the engine answered with an HTTP error status.
	ClassEngine ErrorClass = "engine-error"
	// ClassProtocol means the engine answered with bytes we could not parse.
	ClassProtocol ErrorClass = "protocol-error"
)

// ClassifiedError wraps an engine failure with its class and, for
// ClassEngine, the HTTP status code.
type ClassifiedError struct {
	Class  ErrorClass
	Status int
	Err    error
}

func (e *ClassifiedError) Error() string {
	if e.Class == ClassEngine {
		return fmt.Sprintf("%s-%d: %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewUnreachable wraps err as an unreachable-engine failure.
func NewUnreachable(err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassUnreachable, Err: err}
}

// NewTimeout wraps err as an engine timeout.
func NewTimeout(err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassTimeout, Err: err}
}

// NewEngineError wraps an HTTP error status returned by the engine.
func NewEngineError(status int, err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassEngine, Status: status, Err: err}
}

// NewProtocolError wraps a malformed engine response.
func NewProtocolError(err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassProtocol, Err: err}
}

// ClassifyTransport converts a raw HTTP transport error into a classified
// one. Deadline and timeout failures become ClassTimeout, everything else
// ClassUnreachable.
func ClassifyTransport(err error) *ClassifiedError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeout(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeout(err)
	}
	return NewUnreachable(err)
}

// ClassOf extracts the class from an error chain. The second return reports
// whether a ClassifiedError was found.
func ClassOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return "", false
}

// IsCrash reports whether err should be treated as an engine crash:
// unreachable, timeout, or a 5xx engine response. Crashes mark the model
// unloaded and are retried up to the retry cap.
func IsCrash(err error) bool {
	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Class {
	case ClassUnreachable, ClassTimeout:
		return true
	case ClassEngine:
		return ce.Status >= 500
	default:
		return false
	}
}
