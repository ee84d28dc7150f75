// Package execjs evaluates JavaScript by delegating to an external runtime
// process. Each call compiles the source into a self-contained script,
// runs it in a fresh process and decodes the [status, payload] reply.
package execjs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"execjs-bridge/internal/monitor"
	"execjs-bridge/internal/runner"
	"execjs-bridge/internal/runtime"
)

var tracer = monitor.NewTracer()

type execIDKey struct{}

// WithExecID returns a context carrying the id to use for the next
// evaluation instead of a freshly generated one.
func WithExecID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, execIDKey{}, id)
}

func execIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(execIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// Context is a logical evaluation session. Its preamble is prefixed to the
// source of every call and never changes. A Context holds no resources
// between calls and is safe for concurrent use.
type Context struct {
	rt       *runtime.Runtime
	preamble string
}

// NewContext returns a Context evaluating against rt with the given
// preamble, which may be empty.
func NewContext(rt *runtime.Runtime, preamble string) *Context {
	return &Context{rt: rt, preamble: normalize(preamble)}
}

// Runtime returns the runtime the context evaluates against.
func (c *Context) Runtime() *runtime.Runtime { return c.rt }

// Preamble returns the source prefixed to every call.
func (c *Context) Preamble() string { return c.preamble }

// Eval evaluates source as an expression and returns its value.
// Whitespace-only source returns nil without starting a process.
func (c *Context) Eval(ctx context.Context, source string) (any, error) {
	source = normalize(source)
	if isBlank(source) {
		return nil, nil
	}
	return c.Exec(ctx, "return eval("+runner.JSONString("("+source+")")+")")
}

// Exec runs source as a function body and returns the value it returns.
// Whitespace-only source returns nil without starting a process.
func (c *Context) Exec(ctx context.Context, source string) (any, error) {
	source = normalize(source)
	if isBlank(source) {
		return nil, nil
	}
	if c.preamble != "" {
		source = c.preamble + "\n" + source
	}

	execID := execIDFrom(ctx)
	ctx, span := tracer.StartSpan(ctx, "exec",
		monitor.AttrExecID.String(execID),
		monitor.AttrRuntime.String(c.rt.Name()),
		monitor.AttrSourceSize.Int(len(source)),
	)

	value, err := c.execute(ctx, execID, source)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.ExecID = execID
		}
	}
	monitor.EndSpan(span, err)
	return value, err
}

func (c *Context) execute(ctx context.Context, execID, source string) (any, error) {
	logger := log.With().
		Str("exec_id", execID).
		Str("runtime", c.rt.Name()).
		Logger()

	output, err := c.run(ctx, c.rt.Compile(source))
	if err != nil {
		logger.Debug().Err(err).Msg("runtime process failed")
		return nil, err
	}

	value, err := decode(output)
	logger.Debug().Bool("ok", err == nil).Int("output_bytes", len(output)).Msg("evaluation decoded")
	return value, err
}

// Call invokes the function named by identifier with args, which are
// JSON-encoded. identifier must resolve inside the preamble's scope.
func (c *Context) Call(ctx context.Context, identifier string, args ...any) (any, error) {
	if args == nil {
		args = []any{}
	}
	encoded, err := jsonLiteral(args)
	if err != nil {
		return nil, fmt.Errorf("encoding call arguments: %w", err)
	}
	return c.Eval(ctx, identifier+".apply(this, "+encoded+")")
}

func jsonLiteral(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func normalize(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
