package execjs

import (
	"encoding/json"
	"fmt"
	"strings"
)

const syntaxErrorMarker = "SyntaxError:"

// decode interprets runtime output as the [status, payload] protocol.
// Empty output is the degenerate no-result case and yields nil, nil.
func decode(output string) (any, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, nil
	}

	var pair []json.RawMessage
	if err := json.Unmarshal([]byte(output), &pair); err != nil {
		return nil, &Error{Kind: ErrMalformedOutput, Message: fmt.Sprintf("%v: %q", err, truncate(output, 512))}
	}
	if pair == nil {
		return nil, &Error{Kind: ErrMalformedOutput, Message: "output is null"}
	}

	var status any
	if len(pair) > 0 {
		if err := json.Unmarshal(pair[0], &status); err != nil {
			return nil, &Error{Kind: ErrMalformedOutput, Message: err.Error()}
		}
	}
	var payload any
	if len(pair) > 1 {
		if err := json.Unmarshal(pair[1], &payload); err != nil {
			return nil, &Error{Kind: ErrMalformedOutput, Message: err.Error()}
		}
	}

	if status == "ok" {
		return payload, nil
	}

	msg := payloadText(payload, pair)
	if strings.Contains(msg, syntaxErrorMarker) {
		return nil, &Error{Kind: ErrSourceSyntax, Message: msg}
	}
	return nil, &Error{Kind: ErrProgram, Message: msg}
}

func payloadText(payload any, pair []json.RawMessage) string {
	switch p := payload.(type) {
	case nil:
		return ""
	case string:
		return p
	default:
		return string(pair[1])
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... [truncated]"
}
