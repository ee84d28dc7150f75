// Package gojart hosts a script file in the goja interpreter so it can act as
// an external JavaScript runtime with the same contract as node: the script
// path is the sole argument, output goes to stdout, and an uncaught
// exception exits non-zero with its message on stderr.
package gojart

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitException = 1
	ExitUsage     = 2
)

// Run executes the script at path, writing print/console output to stdout
// and diagnostics to stderr. It returns the process exit code.
func Run(path string, stdout, stderr io.Writer) int {
	src, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path is the script argument
	if err != nil {
		fmt.Fprintf(stderr, "execjs-goja: %v\n", err)
		return ExitUsage
	}

	vm := goja.New()
	if err := install(vm, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "execjs-goja: %v\n", err)
		return ExitUsage
	}

	if _, err := vm.RunScript(filepath.Base(path), string(src)); err != nil {
		var jsErr *goja.Exception
		if errors.As(err, &jsErr) {
			fmt.Fprintln(stderr, jsErr.String())
		} else {
			fmt.Fprintln(stderr, err.Error())
		}
		return ExitException
	}
	return ExitOK
}

// Main is the entry point shared by cmd/execjs-goja and test helpers.
func Main(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: execjs-goja <script.js>")
		return ExitUsage
	}
	return Run(args[0], os.Stdout, os.Stderr)
}

func install(vm *goja.Runtime, stdout, stderr io.Writer) error {
	printer := func(w io.Writer) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			fmt.Fprintln(w, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}

	if err := vm.Set("print", printer(stdout)); err != nil {
		return err
	}

	console := vm.NewObject()
	for name, w := range map[string]io.Writer{"log": stdout, "info": stdout, "warn": stderr, "error": stderr} {
		if err := console.Set(name, printer(w)); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}
