package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execjs-bridge/internal/runtime"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Runtime.MaxConcurrent != 64 {
		t.Errorf("Runtime.MaxConcurrent = %d, want 64", cfg.Runtime.MaxConcurrent)
	}
	if cfg.Runtime.DefaultTimeout != 10*time.Second {
		t.Errorf("Runtime.DefaultTimeout = %s, want 10s", cfg.Runtime.DefaultTimeout)
	}
	if cfg.Runtime.MaxSourceBytes != 1<<20 {
		t.Errorf("Runtime.MaxSourceBytes = %d, want 1MiB", cfg.Runtime.MaxSourceBytes)
	}
	if cfg.Runtime.Default != "" {
		t.Errorf("Runtime.Default = %q, want autodetect", cfg.Runtime.Default)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return DefaultConfig()
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"default_timeout > max_timeout", func(c *Config) {
			c.Runtime.DefaultTimeout = 2 * time.Minute
			c.Runtime.MaxTimeout = 1 * time.Minute
		}, true},
		{"no max_timeout", func(c *Config) {
			c.Runtime.DefaultTimeout = 2 * time.Minute
			c.Runtime.MaxTimeout = 0
		}, false},
		{"max_concurrent 0", func(c *Config) { c.Runtime.MaxConcurrent = 0 }, true},
		{"max_source_bytes 0", func(c *Config) { c.Runtime.MaxSourceBytes = 0 }, true},
		{"relative scratch dir", func(c *Config) { c.Runtime.ScratchDir = "tmp/js" }, true},
		{"absolute scratch dir", func(c *Config) { c.Runtime.ScratchDir = "/var/tmp/execjs" }, false},
		{"definition without command", func(c *Config) {
			c.Runtime.Definitions = []runtime.Definition{{Name: "empty"}}
		}, true},
		{"duplicate definitions", func(c *Config) {
			c.Runtime.Definitions = []runtime.Definition{
				{Name: "deno", Command: []string{"deno", "run"}},
				{Name: "deno", Command: []string{"deno"}},
			}
		}, true},
		{"valid definition", func(c *Config) {
			c.Runtime.Definitions = []runtime.Definition{{Name: "deno", Command: []string{"deno", "run"}}}
		}, false},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

const sampleYAML = `
server:
  host: "127.0.0.1"
  port: 9090
runtime:
  default: deno
  max_concurrent: 8
  default_timeout: 15s
  max_timeout: 120s
  definitions:
    - name: deno
      command: ["deno", "run", "--quiet"]
    - name: node
      command: ["/opt/node/bin/node"]
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, t.TempDir(), sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Runtime.MaxConcurrent != 8 {
		t.Errorf("Runtime.MaxConcurrent = %d, want 8", cfg.Runtime.MaxConcurrent)
	}
	if cfg.Runtime.DefaultTimeout != 15*time.Second {
		t.Errorf("Runtime.DefaultTimeout = %s, want 15s", cfg.Runtime.DefaultTimeout)
	}
	if len(cfg.Runtime.Definitions) != 2 {
		t.Fatalf("len(Definitions) = %d, want 2", len(cfg.Runtime.Definitions))
	}
	if got := cfg.Runtime.Definitions[0].Command; len(got) != 3 || got[2] != "--quiet" {
		t.Errorf("deno command = %v", got)
	}
}

func TestRegistry(t *testing.T) {
	cfg, err := Load(writeConfig(t, t.TempDir(), sampleYAML))
	require.NoError(t, err)

	reg := cfg.Registry()

	deno, err := reg.Get("deno")
	require.NoError(t, err)
	assert.Equal(t, []string{"deno", "run", "--quiet"}, deno.Command)

	node, err := reg.Get("node")
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/node/bin/node"}, node.Command)

	_, err = reg.Get("jscript")
	assert.NoError(t, err, "builtins remain registered")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeConfig(t, t.TempDir(), "runtime:\n  max_concurrent: 0\n"))
	if err == nil {
		t.Error("expected validation error, got nil")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, func(cfg *Config) { reloaded <- cfg }))

	// An invalid write is skipped, the following valid one is delivered.
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 0\n"), 0o600))
	time.Sleep(2 * debounceDelay)
	require.NoError(t, os.WriteFile(path, []byte("runtime:\n  max_concurrent: 3\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 3, cfg.Runtime.MaxConcurrent)
	case <-time.After(10 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestWatch_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	require.NoError(t, Watch(ctx, path, func(cfg *Config) { reloaded <- cfg }))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600))

	select {
	case <-reloaded:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(3 * debounceDelay):
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "missing", "config.yaml"), func(*Config) {})
	assert.Error(t, err)
}
