// Package client is a bridge.Backend that forwards evaluations to a running
// execjs-bridge server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"execjs-bridge/internal/api"
	"execjs-bridge/internal/bridge"
	"execjs-bridge/internal/execjs"
)

// Client talks to the evaluation API. Errors reported by the server are
// mapped back onto the bridge and execjs sentinels, so callers branch on
// them the same way as with a local Bridge.
type Client struct {
	baseURL   string
	apiKey    string
	keyHeader string
	http      *http.Client
}

// New returns a Client for the server at baseURL. apiKey may be empty when
// the server allows unauthenticated access.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 70 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		keyHeader: api.DefaultAPIKeyHeader,
		http:      &http.Client{Timeout: timeout},
	}
}

// WithAPIKeyHeader sends the API key in header instead of X-API-Key, for
// servers configured with security.api_key_header.
func (c *Client) WithAPIKeyHeader(header string) *Client {
	if header != "" {
		c.keyHeader = header
	}
	return c
}

var _ bridge.Backend = (*Client)(nil)

// Evaluate posts req to the endpoint for its mode.
func (c *Client) Evaluate(ctx context.Context, req bridge.Request) (*bridge.Result, error) {
	body, err := json.Marshal(api.EvaluationRequest{
		Runtime:    req.Runtime,
		Preamble:   req.Preamble,
		Source:     req.Source,
		Identifier: req.Identifier,
		Args:       req.Args,
		Timeout:    api.Duration{Duration: req.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/"+string(req.Mode), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp, req.Mode)
	}

	var out api.EvaluationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	dur, _ := time.ParseDuration(out.Duration)
	return &bridge.Result{
		ID:         out.ID,
		Runtime:    out.Runtime,
		Mode:       out.Mode,
		Status:     out.Status,
		Value:      out.Value,
		Duration:   dur,
		SourceHash: out.SourceHash,
	}, nil
}

// Runtimes lists the runtimes configured on the server.
func (c *Client) Runtimes(ctx context.Context) ([]bridge.RuntimeInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/runtimes", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, err := decodeError(resp, "")
		return nil, err
	}

	var out api.RuntimesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return out.Runtimes, nil
}

// Health returns the server's health report. A degraded server answers 503
// with a body, which is returned without error.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding health (status %d): %w", resp.StatusCode, err)
	}
	return &out, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(c.keyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// decodeError turns a non-200 response into an error. JavaScript and
// runtime failures also produce a Result carrying the exec id.
func decodeError(resp *http.Response, mode bridge.Mode) (*bridge.Result, error) {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var e api.ErrorResponse
	if err := json.Unmarshal(data, &e); err != nil || e.Code == "" {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var kind error
	switch e.Code {
	case api.CodeSyntaxError:
		kind = execjs.ErrSourceSyntax
	case api.CodeProgramError:
		kind = execjs.ErrProgram
	case api.CodeExecutionFailed:
		kind = execjs.ErrExecutionFailed
	case api.CodeTimeout:
		return nil, &bridge.ExecutionError{ExecID: e.ExecID, Op: "evaluate", Err: fmt.Errorf("%w: %s", bridge.ErrTimeout, e.Error)}
	case api.CodeValidation, api.CodeInvalidRequest:
		return nil, fmt.Errorf("%w: %s", bridge.ErrInvalidRequest, e.Error)
	case api.CodeUnavailable:
		return nil, fmt.Errorf("%w: %s", bridge.ErrClosed, e.Error)
	default:
		return nil, fmt.Errorf("server returned %d %s: %s", resp.StatusCode, e.Code, e.Error)
	}

	err := &execjs.Error{ExecID: e.ExecID, Kind: kind, Message: e.Error}
	result := &bridge.Result{
		ID:      e.ExecID,
		Runtime: e.Runtime,
		Mode:    mode,
		Status:  bridge.StatusOf(err),
		Error:   e.Error,
	}
	return result, &bridge.ExecutionError{ExecID: e.ExecID, Op: "evaluate", Err: err}
}
