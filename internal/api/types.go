package api

import (
	"time"

	"execjs-bridge/internal/bridge"
	"execjs-bridge/internal/monitor"
)

// EvaluationRequest is the body of POST /eval, /exec and /call. Source is
// used by eval and exec; Identifier and Args by call.
type EvaluationRequest struct {
	Runtime    string   `json:"runtime,omitempty"`
	Preamble   string   `json:"preamble,omitempty"`
	Source     string   `json:"source,omitempty"`
	Identifier string   `json:"identifier,omitempty"`
	Args       []any    `json:"args,omitempty"`
	Timeout    Duration `json:"timeout,omitempty"`
}

func (r EvaluationRequest) toBridge(mode bridge.Mode) bridge.Request {
	return bridge.Request{
		Mode:       mode,
		Runtime:    r.Runtime,
		Preamble:   r.Preamble,
		Source:     r.Source,
		Identifier: r.Identifier,
		Args:       r.Args,
		Timeout:    r.Timeout.Duration,
	}
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// EvaluationResponse is returned for a successful evaluation.
type EvaluationResponse struct {
	ID         string              `json:"id"`
	Runtime    string              `json:"runtime"`
	Mode       bridge.Mode         `json:"mode"`
	Status     string              `json:"status"`
	Value      any                 `json:"value"`
	Duration   string              `json:"duration"`
	SourceHash string              `json:"source_hash"`
	Detections []monitor.Detection `json:"detections,omitempty"`
}

// RuntimesResponse lists the configured runtimes.
type RuntimesResponse struct {
	Default  string               `json:"default,omitempty"`
	Runtimes []bridge.RuntimeInfo `json:"runtimes"`
}

// ErrorResponse is returned for API errors. ExecID is set when the request
// reached a runtime.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
	ExecID    string `json:"exec_id,omitempty"`
	Runtime   string `json:"runtime,omitempty"`
}

// Error codes.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeValidation       = "VALIDATION_ERROR"
	CodeSyntaxError      = "SYNTAX_ERROR"
	CodeProgramError     = "PROGRAM_ERROR"
	CodeExecutionFailed  = "EXECUTION_FAILED"
	CodeTimeout          = "TIMEOUT"
	CodeUnavailable      = "RUNNER_UNAVAILABLE"
	CodeNotFound         = "NOT_FOUND"
	CodeDBUnavailable    = "DB_UNAVAILABLE"
	CodeInternal         = "INTERNAL"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status         string `json:"status"`
	DefaultRuntime string `json:"default_runtime"`
	Database       bool   `json:"database"`
	Uptime         string `json:"uptime"`
}
