package bridge

import (
	"errors"
	"fmt"

	"execjs-bridge/internal/execjs"
)

// Sentinel errors for typed error checking.
var (
	ErrInvalidRequest     = errors.New("invalid evaluation request")
	ErrUnsupportedRuntime = errors.New("unsupported runtime")
	ErrNoRuntime          = errors.New("no default runtime configured")
	ErrTimeout            = errors.New("evaluation timed out")
	ErrClosed             = errors.New("bridge is closed")
)

// ExecutionError wraps errors with evaluation context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a service-imposed timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsValidation returns true if the request was rejected before running.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrUnsupportedRuntime) || errors.Is(err, ErrNoRuntime)
}

// Evaluation status values, used for metrics labels and audit records.
const (
	StatusSuccess         = "success"
	StatusSyntaxError     = "syntax_error"
	StatusProgramError    = "program_error"
	StatusExecutionFailed = "execution_failed"
	StatusMalformedOutput = "malformed_output"
	StatusTimeout         = "timeout"
	StatusValidation      = "validation"
	StatusError           = "error"
)

// StatusOf classifies err into one of the status values.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case IsTimeout(err):
		return StatusTimeout
	case IsValidation(err):
		return StatusValidation
	case errors.Is(err, execjs.ErrSourceSyntax):
		return StatusSyntaxError
	case errors.Is(err, execjs.ErrProgram):
		return StatusProgramError
	case errors.Is(err, execjs.ErrMalformedOutput):
		return StatusMalformedOutput
	case errors.Is(err, execjs.ErrExecutionFailed):
		return StatusExecutionFailed
	default:
		return StatusError
	}
}
