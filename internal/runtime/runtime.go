package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"reflect"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"execjs-bridge/internal/runner"
)

// Definition describes an external JavaScript runtime. The executable is
// always explicit; nothing about its location is assumed.
type Definition struct {
	Name       string   `yaml:"name" json:"name"`
	Command    []string `yaml:"command" json:"command"`
	Runner     string   `yaml:"runner,omitempty" json:"runner,omitempty"`           // embedded runner template; default "node"
	RunnerPath string   `yaml:"runner_path,omitempty" json:"runner_path,omitempty"` // overrides Runner
	Encoding   string   `yaml:"encoding,omitempty" json:"encoding,omitempty"`       // script and output encoding; empty means UTF-8
	Deprecated bool     `yaml:"deprecated,omitempty" json:"deprecated,omitempty"`
}

var ErrInvalidDefinition = errors.New("invalid runtime definition")

// Validate checks the definition without touching the filesystem.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidDefinition)
	}
	if len(d.Command) == 0 || strings.TrimSpace(d.Command[0]) == "" {
		return fmt.Errorf("%w: %s: command is empty", ErrInvalidDefinition, d.Name)
	}
	return nil
}

// Runtime is an immutable, loaded runtime configuration. The runner template
// is read and parsed once, in New, and shared by every evaluation.
type Runtime struct {
	def        Definition
	command    []string
	template   *runner.Template
	encoding   encoding.Encoding
	scratchDir string
}

// New loads def's runner template and resolves its encoding. scratchDir is
// where per-call script files are created; empty means os.TempDir().
func New(def Definition, scratchDir string) (*Runtime, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	var tmpl *runner.Template
	var err error
	switch {
	case def.RunnerPath != "":
		tmpl, err = runner.Load(def.RunnerPath)
	case def.Runner != "":
		tmpl, err = runner.Builtin(def.Runner)
	default:
		tmpl, err = runner.Builtin("node")
	}
	if err != nil {
		return nil, fmt.Errorf("runtime %s: %w", def.Name, err)
	}

	var enc encoding.Encoding
	if def.Encoding != "" {
		enc, err = htmlindex.Get(def.Encoding)
		if err != nil {
			return nil, fmt.Errorf("runtime %s: unsupported encoding %q: %w", def.Name, def.Encoding, err)
		}
	}

	if scratchDir == "" {
		scratchDir = os.TempDir()
	} else if err := os.MkdirAll(scratchDir, 0o700); err != nil {
		return nil, fmt.Errorf("runtime %s: creating scratch dir: %w", def.Name, err)
	}

	return &Runtime{
		def:        def,
		command:    append([]string(nil), def.Command...),
		template:   tmpl,
		encoding:   enc,
		scratchDir: scratchDir,
	}, nil
}

func (r *Runtime) Name() string { return r.def.Name }

// Command returns a copy of the command template. The script path is
// appended as the final argument at invocation time.
func (r *Runtime) Command() []string { return append([]string(nil), r.command...) }

func (r *Runtime) Definition() Definition { return r.def }

func (r *Runtime) Deprecated() bool { return r.def.Deprecated }

func (r *Runtime) ScratchDir() string { return r.scratchDir }

func (r *Runtime) Template() *runner.Template { return r.template }

// Encoding returns the external encoding, or nil for UTF-8.
func (r *Runtime) Encoding() encoding.Encoding { return r.encoding }

// Compile renders source through the runtime's runner template.
func (r *Runtime) Compile(source string) string {
	return r.template.Compile(source)
}

// Installed reports whether the command's executable can be found.
func (r *Runtime) Installed() bool {
	_, err := exec.LookPath(r.command[0])
	return err == nil
}

// Available reports whether a JSON codec is reachable: the host codec
// round-trips a probe value and the bundled polyfill is present.
func (r *Runtime) Available() bool {
	return jsonCodecAvailable()
}

func jsonCodecAvailable() bool {
	probe := []any{"ok", map[string]any{"n": 1.5, "s": "é", "b": true, "z": nil}}
	data, err := json.Marshal(probe)
	if err != nil {
		return false
	}
	var back []any
	if err := json.Unmarshal(data, &back); err != nil {
		return false
	}
	return reflect.DeepEqual(probe, back) && runner.Polyfill() != ""
}
