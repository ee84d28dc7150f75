// Package bridge runs evaluation requests against a set of configured
// runtimes with service policy applied: request validation, a concurrency
// bound, per-request deadlines and exec ids.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"execjs-bridge/internal/execjs"
	"execjs-bridge/internal/runtime"
)

// Options is the service policy applied by a Bridge.
type Options struct {
	Default        string // runtime used when a request names none; empty autodetects
	ScratchDir     string
	MaxConcurrent  int
	DefaultTimeout time.Duration // 0 means no deadline beyond the caller's context
	MaxTimeout     time.Duration
	MaxSourceBytes int
	OrphanMaxAge   time.Duration // 0 disables the scratch sweeper
}

type runtimeSet struct {
	byName      map[string]*runtime.Runtime
	defs        []runtime.Definition
	defaultName string
}

// Bridge is the local Backend.
type Bridge struct {
	opts   Options
	set    atomic.Pointer[runtimeSet]
	sem    chan struct{} // Concurrency limiter
	active atomic.Int64  // Active evaluation count
	wg     sync.WaitGroup
	mu     sync.Mutex // Protects shutdown state
	closed bool

	cancelSweep context.CancelFunc
}

// DefaultScratchDir is the private directory used when Options.ScratchDir
// is empty. The sweeper never scans the shared temp dir itself.
func DefaultScratchDir() string {
	return filepath.Join(os.TempDir(), "execjs-bridge")
}

// New loads every definition in reg and returns a ready Bridge.
func New(reg *runtime.Registry, opts Options) (*Bridge, error) {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 64
	}
	if opts.MaxSourceBytes < 1 {
		opts.MaxSourceBytes = 1 << 20
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = DefaultScratchDir()
	}

	set, err := loadRuntimes(reg, opts.Default, opts.ScratchDir)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		opts: opts,
		sem:  make(chan struct{}, opts.MaxConcurrent),
	}
	b.set.Store(set)

	if opts.OrphanMaxAge > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancelSweep = cancel
		go b.sweepLoop(ctx)
	}

	return b, nil
}

func loadRuntimes(reg *runtime.Registry, defaultName, scratchDir string) (*runtimeSet, error) {
	set := &runtimeSet{
		byName: make(map[string]*runtime.Runtime),
		defs:   reg.Definitions(),
	}

	for _, def := range set.defs {
		rt, err := runtime.New(def, scratchDir)
		if err != nil {
			return nil, fmt.Errorf("loading runtime %s: %w", def.Name, err)
		}
		set.byName[def.Name] = rt
	}

	switch {
	case defaultName != "":
		if _, ok := set.byName[defaultName]; !ok {
			return nil, fmt.Errorf("%w: default %q is not defined", ErrUnsupportedRuntime, defaultName)
		}
		set.defaultName = defaultName
	default:
		def, err := reg.Autodetect()
		if err != nil {
			log.Warn().Err(err).Msg("no default runtime; requests must name one")
		} else {
			set.defaultName = def.Name
			log.Info().Str("runtime", def.Name).Msg("autodetected default runtime")
		}
	}

	return set, nil
}

// Reload replaces the runtime set. In-flight evaluations keep the runtime
// they started with. On error the current set stays in place.
func (b *Bridge) Reload(reg *runtime.Registry, defaultName string) error {
	set, err := loadRuntimes(reg, defaultName, b.opts.ScratchDir)
	if err != nil {
		return err
	}
	b.set.Store(set)
	log.Info().Int("runtimes", len(set.defs)).Str("default", set.defaultName).Msg("runtimes reloaded")
	return nil
}

// Default returns the name of the default runtime, or "" if there is none.
func (b *Bridge) Default() string {
	return b.set.Load().defaultName
}

func (b *Bridge) runtime(name string) (*runtime.Runtime, error) {
	set := b.set.Load()
	if name == "" {
		if set.defaultName == "" {
			return nil, ErrNoRuntime
		}
		name = set.defaultName
	}
	rt, ok := set.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRuntime, name)
	}
	return rt, nil
}

// Evaluate runs req. Errors raised by the JavaScript program come back
// together with a populated Result.
func (b *Bridge) Evaluate(ctx context.Context, req Request) (*Result, error) {
	execID := uuid.New().String()
	sourceHash := req.hash()

	logger := log.With().
		Str("exec_id", execID).
		Str("mode", string(req.Mode)).
		Str("source_hash", sourceHash[:16]).
		Logger()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "evaluate", Err: ErrClosed}
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	if err := validateRequest(req, b.opts.MaxSourceBytes, b.opts.MaxTimeout); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	rt, err := b.runtime(req.Runtime)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "get_runtime", Err: err}
	}
	logger = logger.With().Str("runtime", rt.Name()).Logger()
	if rt.Deprecated() {
		logger.Warn().Msg("evaluating with deprecated runtime")
	}

	select {
	case b.sem <- struct{}{}:
		defer func() { <-b.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	b.active.Add(1)
	defer b.active.Add(-1)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = b.opts.DefaultTimeout
	}
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	execCtx = execjs.WithExecID(execCtx, execID)

	logger.Debug().Msg("evaluation requested")
	start := time.Now()

	jsCtx := execjs.NewContext(rt, req.Preamble)
	var value any
	switch req.Mode {
	case ModeEval:
		value, err = jsCtx.Eval(execCtx, req.Source)
	case ModeExec:
		value, err = jsCtx.Exec(execCtx, req.Source)
	case ModeCall:
		value, err = jsCtx.Call(execCtx, req.Identifier, req.Args...)
	}

	if err != nil && execjs.IsExecutionFailure(err) && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
	}

	result := &Result{
		ID:         execID,
		Runtime:    rt.Name(),
		Mode:       req.Mode,
		Status:     StatusOf(err),
		Value:      value,
		Duration:   time.Since(start),
		SourceHash: sourceHash,
		SourceSize: len(req.Preamble) + len(req.body()),
	}

	if err != nil {
		result.Error = execjs.Message(err)
		logger.Info().
			Str("status", result.Status).
			Dur("duration", result.Duration).
			Msg("evaluation failed")
		return result, &ExecutionError{ExecID: execID, Op: "evaluate", Err: err}
	}

	logger.Info().Dur("duration", result.Duration).Msg("evaluation completed")
	return result, nil
}

// Runtimes describes every configured runtime in preference order.
func (b *Bridge) Runtimes(_ context.Context) ([]RuntimeInfo, error) {
	set := b.set.Load()
	infos := make([]RuntimeInfo, 0, len(set.defs))
	for _, def := range set.defs {
		rt := set.byName[def.Name]
		infos = append(infos, RuntimeInfo{
			Name:       def.Name,
			Command:    rt.Command(),
			Runner:     rt.Template().Name(),
			Encoding:   def.Encoding,
			Deprecated: def.Deprecated,
			Installed:  rt.Installed(),
			Available:  rt.Available(),
			Default:    def.Name == set.defaultName,
		})
	}
	return infos, nil
}

// ActiveCount returns the number of runtime processes currently running.
func (b *Bridge) ActiveCount() int64 {
	return b.active.Load()
}

// Close stops accepting requests and waits for in-flight evaluations.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.cancelSweep != nil {
		b.cancelSweep()
	}
	b.wg.Wait()
	return nil
}
