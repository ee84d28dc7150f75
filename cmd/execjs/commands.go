package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"execjs-bridge/internal/api"
	"execjs-bridge/internal/bridge"
	"execjs-bridge/internal/client"
	"execjs-bridge/internal/config"
	"execjs-bridge/internal/execjs"
)

type options struct {
	server     string
	apiKey     string
	keyHeader  string
	configPath string
	runtime    string
	preamble   string
	timeout    time.Duration
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "execjs",
		Short:         "Evaluate JavaScript through an external runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if opts.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", os.Getenv("EXECJS_SERVER"), "Server URL; evaluates locally when empty")
	flags.StringVar(&opts.apiKey, "api-key", os.Getenv("EXECJS_API_KEY"), "API key for --server")
	flags.StringVar(&opts.keyHeader, "api-key-header", api.DefaultAPIKeyHeader, "Header carrying --api-key")
	flags.StringVar(&opts.configPath, "config", os.Getenv("CONFIG_PATH"), "Config file with runtime definitions (local mode)")
	flags.StringVarP(&opts.runtime, "runtime", "r", os.Getenv("EXECJS_RUNTIME"), "Runtime name; empty uses the default")
	flags.StringVarP(&opts.preamble, "preamble", "p", "", "File whose source is prefixed to every evaluation")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Evaluation timeout (0 uses the configured default)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(
		&cobra.Command{
			Use:   "eval [expression]",
			Short: "Evaluate an expression and print its value as JSON",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.runSource(cmd, bridge.ModeEval, args)
			},
		},
		&cobra.Command{
			Use:   "exec [body]",
			Short: "Run a function body and print its return value as JSON",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.runSource(cmd, bridge.ModeExec, args)
			},
		},
		&cobra.Command{
			Use:   "call identifier [arg...]",
			Short: "Call a function defined by the preamble",
			Long:  "Call a function defined by the preamble. Each argument is parsed as JSON; arguments that are not valid JSON are passed as strings.",
			Args:  cobra.MinimumNArgs(1),
			RunE:  opts.runCall,
		},
		&cobra.Command{
			Use:   "runtimes",
			Short: "List configured runtimes",
			Args:  cobra.NoArgs,
			RunE:  opts.runRuntimes,
		},
		&cobra.Command{
			Use:   "health",
			Short: "Check server health",
			Args:  cobra.NoArgs,
			RunE:  opts.runHealth,
		},
	)

	return root
}

// backend returns a remote client when --server is set and a local bridge
// otherwise.
func (o *options) backend() (bridge.Backend, error) {
	if o.server != "" {
		return client.New(o.server, o.apiKey, 0).WithAPIKeyHeader(o.keyHeader), nil
	}

	cfg := config.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	return bridge.New(cfg.Registry(), bridge.Options{
		Default:        cfg.Runtime.Default,
		ScratchDir:     cfg.Runtime.ScratchDir,
		MaxConcurrent:  1,
		DefaultTimeout: cfg.Runtime.DefaultTimeout,
		MaxTimeout:     cfg.Runtime.MaxTimeout,
		MaxSourceBytes: cfg.Runtime.MaxSourceBytes,
	})
}

func (o *options) readPreamble() (string, error) {
	if o.preamble == "" {
		return "", nil
	}
	data, err := os.ReadFile(o.preamble)
	if err != nil {
		return "", fmt.Errorf("reading preamble: %w", err)
	}
	return string(data), nil
}

func (o *options) runSource(cmd *cobra.Command, mode bridge.Mode, args []string) error {
	var source string
	if len(args) == 1 && args[0] != "-" {
		source = args[0]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		source = string(data)
	}
	return o.evaluate(cmd, bridge.Request{Mode: mode, Source: source})
}

func (o *options) runCall(cmd *cobra.Command, args []string) error {
	callArgs := make([]any, 0, len(args)-1)
	for _, raw := range args[1:] {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		callArgs = append(callArgs, v)
	}
	return o.evaluate(cmd, bridge.Request{Mode: bridge.ModeCall, Identifier: args[0], Args: callArgs})
}

func (o *options) evaluate(cmd *cobra.Command, req bridge.Request) error {
	preamble, err := o.readPreamble()
	if err != nil {
		return err
	}
	req.Preamble = preamble
	req.Runtime = o.runtime
	req.Timeout = o.timeout

	backend, err := o.backend()
	if err != nil {
		return err
	}
	defer backend.Close()

	result, err := backend.Evaluate(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result.Value)
}

func (o *options) runRuntimes(cmd *cobra.Command, _ []string) error {
	backend, err := o.backend()
	if err != nil {
		return err
	}
	defer backend.Close()

	infos, err := backend.Runtimes(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, info := range infos {
		marks := make([]string, 0, 3)
		if info.Default {
			marks = append(marks, "default")
		}
		if !info.Installed {
			marks = append(marks, "not installed")
		}
		if info.Deprecated {
			marks = append(marks, "deprecated")
		}
		line := fmt.Sprintf("%-16s %s", info.Name, strings.Join(info.Command, " "))
		if len(marks) > 0 {
			line += " (" + strings.Join(marks, ", ") + ")"
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func (o *options) runHealth(cmd *cobra.Command, _ []string) error {
	if o.server == "" {
		return errors.New("health requires --server")
	}
	c := client.New(o.server, o.apiKey, 10*time.Second).WithAPIKeyHeader(o.keyHeader)
	defer c.Close()

	health, err := c.Health(cmd.Context())
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), health)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCode distinguishes JavaScript errors from failures to run at all, and
// prints the error to stderr.
func exitCode(err error) int {
	fmt.Fprintln(os.Stderr, "error:", execjs.Message(err))
	switch {
	case execjs.IsSyntaxError(err), execjs.IsProgramError(err):
		return 1
	case bridge.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return 124
	default:
		return 2
	}
}
