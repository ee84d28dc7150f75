package runtime

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// Builtin definitions in autodetect preference order.
var builtinDefinitions = []Definition{
	{Name: "node", Command: []string{"node"}, Runner: "node"},
	{Name: "nodejs", Command: []string{"nodejs"}, Runner: "node"},
	{Name: "bun", Command: []string{"bun"}, Runner: "node"},
	{Name: "goja", Command: []string{"execjs-goja"}, Runner: "print"},
	{Name: "jsc", Command: []string{"jsc"}, Runner: "print"},
	{Name: "spidermonkey", Command: []string{"js"}, Runner: "print", Deprecated: true},
	{Name: "jscript", Command: []string{"cscript", "//E:jscript", "//Nologo", "//U"}, Runner: "jscript", Encoding: "utf-16le"},
}

// Registry maps runtime names to their definitions.
type Registry struct {
	defs  map[string]Definition
	order []string
}

// NewRegistry creates a registry with all builtin runtimes.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	for _, def := range builtinDefinitions {
		r.Register(def)
	}
	return r
}

// Register adds or replaces a definition. Replacements keep their original
// autodetect position.
func (r *Registry) Register(def Definition) {
	if _, ok := r.defs[def.Name]; !ok {
		r.order = append(r.order, def.Name)
	}
	r.defs[def.Name] = def
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (Definition, error) {
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("unsupported runtime: %q (supported: %s)", name, strings.Join(r.Names(), ", "))
	}
	return def, nil
}

// Names returns all registered runtime names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns all definitions in autodetect order.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.defs[name])
	}
	return defs
}

// Autodetect returns the first non-deprecated definition whose executable
// is on the search path.
func (r *Registry) Autodetect() (Definition, error) {
	for _, def := range r.Definitions() {
		if def.Deprecated || len(def.Command) == 0 {
			continue
		}
		if _, err := exec.LookPath(def.Command[0]); err == nil {
			return def, nil
		}
	}
	return Definition{}, fmt.Errorf("no JavaScript runtime found on PATH (tried: %s)", strings.Join(r.order, ", "))
}
