package execjs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/encoding"
)

// run writes script to a fresh file in the scratch directory, invokes the
// runtime command with the file as its last argument and returns stdout and
// stderr merged. The file is removed on every path.
func (c *Context) run(ctx context.Context, script string) (string, error) {
	enc := c.rt.Encoding()

	data, err := encodeText(enc, script)
	if err != nil {
		return "", &Error{Kind: ErrExecutionFailed, Message: fmt.Sprintf("encoding script: %v", err)}
	}

	f, err := os.CreateTemp(c.rt.ScratchDir(), "execjs*.js")
	if err != nil {
		return "", &Error{Kind: ErrExecutionFailed, Message: fmt.Sprintf("creating script file: %v", err)}
	}
	path := f.Name()
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("script file cleanup failed")
		}
	}()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", &Error{Kind: ErrExecutionFailed, Message: fmt.Sprintf("writing script file: %v", err)}
	}
	if err := f.Close(); err != nil {
		return "", &Error{Kind: ErrExecutionFailed, Message: fmt.Sprintf("closing script file: %v", err)}
	}

	command := c.rt.Command()
	args := append(command[1:], path)
	cmd := exec.CommandContext(ctx, command[0], args...) // #nosec G204 -- command comes from runtime configuration

	out, runErr := cmd.CombinedOutput()
	output := decodeText(enc, out)

	if runErr != nil {
		var exitErr *exec.ExitError
		msg := output
		if !errors.As(runErr, &exitErr) || strings.TrimSpace(msg) == "" {
			msg = runErr.Error()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			msg = fmt.Sprintf("%s (%v)", msg, ctxErr)
		}
		return "", &Error{Kind: ErrExecutionFailed, Message: msg}
	}
	return output, nil
}

func encodeText(enc encoding.Encoding, s string) ([]byte, error) {
	if enc == nil {
		return []byte(s), nil
	}
	return enc.NewEncoder().Bytes([]byte(s))
}

func decodeText(enc encoding.Encoding, b []byte) string {
	if enc != nil {
		if decoded, err := enc.NewDecoder().Bytes(b); err == nil {
			return string(decoded)
		}
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
