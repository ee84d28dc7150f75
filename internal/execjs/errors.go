package execjs

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Context is an *Error whose Kind is
// one of these, so callers can branch with errors.Is.
var (
	ErrExecutionFailed = errors.New("runtime execution failed")
	ErrSourceSyntax    = errors.New("source syntax error")
	ErrProgram         = errors.New("program error")
	ErrMalformedOutput = errors.New("malformed runtime output")
)

// Error carries the message reported by the external runtime.
type Error struct {
	ExecID  string
	Kind    error
	Message string
}

func (e *Error) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// IsExecutionFailure returns true if the runtime process could not run or
// exited non-zero.
func IsExecutionFailure(err error) bool {
	return errors.Is(err, ErrExecutionFailed)
}

// IsSyntaxError returns true if the submitted source was malformed.
func IsSyntaxError(err error) bool {
	return errors.Is(err, ErrSourceSyntax)
}

// IsProgramError returns true if the source ran and threw.
func IsProgramError(err error) bool {
	return errors.Is(err, ErrProgram)
}

// Message returns the runtime-reported message of err, or err.Error() when
// err is not an *Error.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
