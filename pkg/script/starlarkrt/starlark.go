// Package starlarkrt runs hook scripts written in Starlark.
//
// Globals are frozen once the script's top level has run, so a compiled
// script can be called from many goroutines at once. Scripts may load the
// starlib modules, e.g. load("re.star", "re").
package starlarkrt

import (
	"context"
	"errors"
	"fmt"

	"github.com/qri-io/starlib"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"

	"github.com/fidiego/hookproxy/pkg/script"
)

// RuntimeName is reported by units compiled here.
const RuntimeName = "starlark"

// Runtime compiles .star scripts.
type Runtime struct {
	maxSteps uint64
	logger   zerolog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithMaxSteps aborts a call after n execution steps. Zero means no limit.
func WithMaxSteps(n uint64) Option {
	return func(r *Runtime) { r.maxSteps = n }
}

// WithLogger sends script print() output to l.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// New returns a Starlark runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{logger: log.Logger}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runtime) Name() string         { return RuntimeName }
func (r *Runtime) Extensions() []string { return []string{".star", ".py"} }

// Compile runs the script's top level and freezes the resulting globals.
func (r *Runtime) Compile(name, source string) (script.Handle, error) {
	thread := r.thread(name)
	globals, err := starlark.ExecFile(thread, name+".star", source, predeclared())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", script.ErrParseFailure, err)
	}
	globals.Freeze()
	return &handle{name: name, globals: globals, rt: r}, nil
}

func (r *Runtime) thread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			r.logger.Info().Str("script", name).Msg(msg)
		},
		Load: starlib.Loader,
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"json": starlarkjson.Module,
	}
}

type handle struct {
	name    string
	globals starlark.StringDict
	rt      *Runtime
}

func (h *handle) Has(entryPoint string) bool {
	_, ok := h.globals[entryPoint].(starlark.Callable)
	return ok
}

func (h *handle) Concurrent() bool { return true }

func (h *handle) Call(ctx context.Context, entryPoint string, args ...any) (any, error) {
	fn, ok := h.globals[entryPoint].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("no function %q", entryPoint)
	}

	sargs := make(starlark.Tuple, len(args))
	for i, a := range args {
		v, err := toStarlark(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		sargs[i] = v
	}

	thread := h.rt.thread(h.name)
	if h.rt.maxSteps > 0 {
		thread.SetMaxExecutionSteps(h.rt.maxSteps)
	}

	if done := ctx.Done(); done != nil {
		finished := make(chan struct{})
		defer close(finished)
		go func() {
			select {
			case <-done:
				thread.Cancel(ctx.Err().Error())
			case <-finished:
			}
		}()
	}

	v, err := starlark.Call(thread, fn, sargs, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ctxErr, err)
		}
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return nil, errors.New(evalErr.Backtrace())
		}
		return nil, err
	}
	return fromStarlark(v)
}
