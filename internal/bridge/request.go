package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Mode selects which evaluation operation a request performs.
type Mode string

const (
	ModeEval Mode = "eval"
	ModeExec Mode = "exec"
	ModeCall Mode = "call"
)

// Request describes one evaluation. Runtime empty means the default.
type Request struct {
	Mode       Mode          `json:"mode"`
	Runtime    string        `json:"runtime,omitempty"`
	Preamble   string        `json:"preamble,omitempty"`
	Source     string        `json:"source,omitempty"`
	Identifier string        `json:"identifier,omitempty"`
	Args       []any         `json:"args,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// Result is the outcome of an evaluation. JavaScript errors produce a
// Result alongside the error so callers can report and audit both.
type Result struct {
	ID         string        `json:"id"`
	Runtime    string        `json:"runtime"`
	Mode       Mode          `json:"mode"`
	Status     string        `json:"status"`
	Value      any           `json:"value"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	SourceHash string        `json:"source_hash"`
	SourceSize int           `json:"source_size"`
}

// RuntimeInfo describes a configured runtime.
type RuntimeInfo struct {
	Name       string   `json:"name"`
	Command    []string `json:"command"`
	Runner     string   `json:"runner"`
	Encoding   string   `json:"encoding,omitempty"`
	Deprecated bool     `json:"deprecated,omitempty"`
	Installed  bool     `json:"installed"`
	Available  bool     `json:"available"`
	Default    bool     `json:"default"`
}

// Backend evaluates requests. Bridge runs them locally; the CLI also has a
// remote implementation speaking to the HTTP service.
type Backend interface {
	Evaluate(ctx context.Context, req Request) (*Result, error)
	Runtimes(ctx context.Context) ([]RuntimeInfo, error)
	Close() error
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)

func (r Request) body() string {
	if r.Mode == ModeCall {
		args, _ := json.Marshal(r.Args)
		return r.Identifier + string(args)
	}
	return r.Source
}

// hash identifies the program text of a request for audit correlation.
func (r Request) hash() string {
	sum := sha256.Sum256([]byte(r.Preamble + "\n" + r.body()))
	return fmt.Sprintf("%x", sum)
}

func validateRequest(req Request, maxSourceBytes int, maxTimeout time.Duration) error {
	switch req.Mode {
	case ModeEval, ModeExec:
	case ModeCall:
		if !identifierPattern.MatchString(strings.TrimSpace(req.Identifier)) {
			return fmt.Errorf("%w: identifier %q is not a dotted name", ErrInvalidRequest, req.Identifier)
		}
		if _, err := json.Marshal(req.Args); err != nil {
			return fmt.Errorf("%w: args are not JSON-encodable: %v", ErrInvalidRequest, err)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q (must be eval, exec, or call)", ErrInvalidRequest, req.Mode)
	}

	if size := len(req.Preamble) + len(req.body()); maxSourceBytes > 0 && size > maxSourceBytes {
		return fmt.Errorf("%w: source is %d bytes, limit is %d", ErrInvalidRequest, size, maxSourceBytes)
	}
	if req.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}
	if maxTimeout > 0 && req.Timeout > maxTimeout {
		return fmt.Errorf("%w: timeout exceeds %s maximum", ErrInvalidRequest, maxTimeout)
	}
	return nil
}
