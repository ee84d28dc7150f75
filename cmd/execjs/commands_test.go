package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execjs-bridge/internal/api"
	"execjs-bridge/internal/bridge"
	"execjs-bridge/internal/config"
	"execjs-bridge/internal/execjs"
	"execjs-bridge/internal/gojart"
	"execjs-bridge/internal/monitor"
)

const helperEnv = "EXECJS_TEST_RUNTIME"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "goja" {
		os.Exit(gojart.Main(os.Args[1:]))
	}
	if err := os.Setenv(helperEnv, "goja"); err != nil {
		panic("failed to set helper env: " + err.Error())
	}
	os.Exit(m.Run())
}

// writeConfig points the "goja" runtime at this test binary.
func writeConfig(t *testing.T) string {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)

	dir := t.TempDir()
	content := fmt.Sprintf(`
runtime:
  default: goja
  scratch_dir: %q
  definitions:
    - name: goja
      command: [%q]
      runner: print
`, dir, self)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLocalEval(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "", "--config", cfg, "eval", "[1+1, 'x']")
	require.NoError(t, err)
	assert.JSONEq(t, `[2, "x"]`, out)

	out, err = run(t, "return 'from stdin'", "--config", cfg, "exec")
	require.NoError(t, err)
	assert.JSONEq(t, `"from stdin"`, out)
}

func TestLocalCallWithPreamble(t *testing.T) {
	cfg := writeConfig(t)
	preamble := filepath.Join(t.TempDir(), "lib.js")
	require.NoError(t, os.WriteFile(preamble, []byte("function greet(name, n) { return name + '!'.repeat(n); }"), 0o600))

	out, err := run(t, "", "--config", cfg, "--preamble", preamble, "call", "greet", "world", "3")
	require.NoError(t, err)
	assert.JSONEq(t, `"world!!!"`, out)
}

func TestLocalErrors(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, "", "--config", cfg, "eval", "(")
	assert.True(t, execjs.IsSyntaxError(err), "got %v", err)
	assert.Equal(t, 1, exitCode(err))

	_, err = run(t, "", "--config", cfg, "exec", "throw new Error('boom')")
	assert.True(t, execjs.IsProgramError(err), "got %v", err)
	assert.Contains(t, execjs.Message(err), "boom")

	_, err = run(t, "", "--config", cfg, "--runtime", "nope", "eval", "1")
	assert.True(t, bridge.IsValidation(err), "got %v", err)
	assert.Equal(t, 2, exitCode(err))

	_, err = run(t, "", "--config", cfg, "--preamble", "/nonexistent/lib.js", "eval", "1")
	assert.Error(t, err)
}

func TestLocalRuntimes(t *testing.T) {
	out, err := run(t, "", "--config", writeConfig(t), "runtimes")
	require.NoError(t, err)

	var gojaLine string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "goja ") {
			gojaLine = line
		}
	}
	assert.Contains(t, gojaLine, "(default)")
	assert.Contains(t, out, "node")
}

type staticBackend struct{}

func (staticBackend) Evaluate(_ context.Context, req bridge.Request) (*bridge.Result, error) {
	return &bridge.Result{ID: "r", Runtime: "node", Mode: req.Mode, Status: bridge.StatusSuccess, Value: req.Source}, nil
}

func (staticBackend) Runtimes(_ context.Context) ([]bridge.RuntimeInfo, error) {
	return []bridge.RuntimeInfo{{Name: "node", Command: []string{"node"}, Installed: true, Default: true}}, nil
}

func (staticBackend) Close() error { return nil }

func TestRemote(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Security.AllowedKeys = []string{"k"}
	srv := httptest.NewServer(api.NewServer(cfg, staticBackend{}, nil, nil, monitor.NewMetrics()).Handler())
	defer srv.Close()

	out, err := run(t, "", "--server", srv.URL, "--api-key", "k", "eval", "echoed")
	require.NoError(t, err)
	assert.JSONEq(t, `"echoed"`, out)

	out, err = run(t, "", "--server", srv.URL, "health")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "ok"`)

	_, err = run(t, "", "--server", srv.URL, "eval", "1")
	assert.Error(t, err)
}

func TestHealthRequiresServer(t *testing.T) {
	_, err := run(t, "", "--server", "", "health")
	assert.Error(t, err)
}
