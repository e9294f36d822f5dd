// Package jsrt runs hook scripts written in JavaScript on goja.
//
// A goja runtime is single-threaded, so handles report themselves as not
// concurrent and the owning unit serializes calls. Scripts can require()
// CommonJS modules from the configured module directory and log with
// console.log or print.
package jsrt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fidiego/hookproxy/pkg/script"
)

// RuntimeName is reported by units compiled here.
const RuntimeName = "javascript"

// Runtime compiles .js scripts.
type Runtime struct {
	moduleDir   string
	loadTimeout time.Duration
	logger      zerolog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithModuleDir resolves require() calls against dir.
func WithModuleDir(dir string) Option {
	return func(r *Runtime) { r.moduleDir = dir }
}

// WithLoadTimeout bounds how long a script's top level may run.
func WithLoadTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.loadTimeout = d }
}

// WithLogger sends print() output to l.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// New returns a JavaScript runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{loadTimeout: 5 * time.Second, logger: log.Logger}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runtime) Name() string         { return RuntimeName }
func (r *Runtime) Extensions() []string { return []string{".js"} }

// Compile runs the script's top level in a fresh goja runtime.
func (r *Runtime) Compile(name, source string) (script.Handle, error) {
	prog, err := goja.Compile(name+".js", source, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", script.ErrParseFailure, err)
	}

	vm := goja.New()
	registry := require.NewRegistry(require.WithLoader(r.loadModule))
	registry.Enable(vm)
	console.Enable(vm)
	if err := vm.Set("print", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		r.logger.Info().Str("script", name).Msg(strings.Join(parts, " "))
		return goja.Undefined()
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", script.ErrParseFailure, err)
	}

	if r.loadTimeout > 0 {
		t := time.AfterFunc(r.loadTimeout, func() { vm.Interrupt("load timed out") })
		defer t.Stop()
	}
	if _, err := vm.RunProgram(prog); err != nil {
		return nil, fmt.Errorf("%w: %v", script.ErrParseFailure, err)
	}
	vm.ClearInterrupt()

	h := &handle{
		vm:      vm,
		fns:     make(map[string]goja.Callable),
		objects: make(map[*goja.Object]script.Object),
	}
	for _, c := range script.Contracts() {
		for _, ep := range c.EntryPoints {
			if fn, ok := goja.AssertFunction(vm.Get(ep.Name)); ok {
				h.fns[ep.Name] = fn
			}
		}
	}
	return h, nil
}

func (r *Runtime) loadModule(path string) ([]byte, error) {
	if r.moduleDir == "" {
		return nil, require.ModuleFileDoesNotExistError
	}
	data, err := os.ReadFile(filepath.Join(r.moduleDir, filepath.Clean("/"+path)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, require.ModuleFileDoesNotExistError
	}
	return data, err
}

type handle struct {
	vm  *goja.Runtime
	fns map[string]goja.Callable

	// objects maps wrappers back to the host objects they stand for. It is
	// emptied when the outermost call returns.
	objects map[*goja.Object]script.Object
	// depth counts calls in progress; a host method may call back into the
	// same script.
	depth int
}

func (h *handle) Has(entryPoint string) bool {
	_, ok := h.fns[entryPoint]
	return ok
}

func (h *handle) Concurrent() bool { return false }

func (h *handle) Call(ctx context.Context, entryPoint string, args ...any) (any, error) {
	fn, ok := h.fns[entryPoint]
	if !ok {
		return nil, fmt.Errorf("no function %q", entryPoint)
	}
	h.depth++
	defer func() {
		h.depth--
		if h.depth == 0 {
			clear(h.objects)
		}
	}()

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = h.toJS(a)
	}

	if done := ctx.Done(); done != nil && h.depth == 1 {
		finished := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-done:
				h.vm.Interrupt(ctx.Err())
			case <-finished:
			}
		}()
		defer func() {
			close(finished)
			wg.Wait()
			h.vm.ClearInterrupt()
		}()
	}

	v, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: %v", ctxErr, err)
			}
		}
		return nil, err
	}
	return h.fromJS(v), nil
}

func (h *handle) toJS(v any) goja.Value {
	switch x := v.(type) {
	case nil:
		return goja.Null()
	case goja.Value:
		return x
	case script.Object:
		return h.wrap(x)
	case int:
		return h.vm.ToValue(int64(x))
	case []byte:
		return h.vm.ToValue(string(x))
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}
		return h.vm.NewArray(items...)
	case []any:
		items := make([]any, len(x))
		for i, e := range x {
			items[i] = h.toJS(e)
		}
		return h.vm.NewArray(items...)
	case map[string]any:
		obj := h.vm.NewObject()
		for k, e := range x {
			_ = obj.Set(k, h.toJS(e))
		}
		return obj
	case map[string]string:
		obj := h.vm.NewObject()
		for k, s := range x {
			_ = obj.Set(k, s)
		}
		return obj
	}
	return h.vm.ToValue(v)
}

// wrap exposes a host object's methods as JS functions. Host errors are
// thrown as JS exceptions.
func (h *handle) wrap(o script.Object) *goja.Object {
	obj := h.vm.NewObject()
	for name, fn := range o.ScriptMethods() {
		_ = obj.Set(name, func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = h.fromJS(a)
			}
			res, err := fn(args...)
			if err != nil {
				panic(h.vm.NewGoError(fmt.Errorf("%s: %w", name, err)))
			}
			return h.toJS(res)
		})
	}
	h.objects[obj] = o
	return obj
}

func (h *handle) fromJS(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.Export()
	}
	if o, ok := h.objects[obj]; ok {
		return o
	}
	switch obj.ClassName() {
	case "Array":
		n := int(obj.Get("length").ToInteger())
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = h.fromJS(obj.Get(fmt.Sprint(i)))
		}
		return out
	case "Object":
		keys := obj.Keys()
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = h.fromJS(obj.Get(k))
		}
		return out
	case "Function":
		return nil
	}
	return obj.Export()
}
