package runner

import (
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed templates/*.js
var templateFS embed.FS

//go:embed templates/json2.js
var polyfill string

// Polyfill returns the bundled JSON codec source.
func Polyfill() string {
	return polyfill
}

// Builtin returns the embedded runner template with the given name
// ("node", "print" or "jscript").
func Builtin(name string) (*Template, error) {
	if name == "json2" {
		return nil, fmt.Errorf("unknown runner template %q", name)
	}
	data, err := templateFS.ReadFile("templates/" + name + ".js")
	if err != nil {
		return nil, fmt.Errorf("unknown runner template %q (available: %s)", name, strings.Join(Builtins(), ", "))
	}
	return Parse(name, string(data))
}

// Builtins lists the names of the embedded runner templates.
func Builtins() []string {
	entries, _ := templateFS.ReadDir("templates")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".js")
		if name == "json2" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
