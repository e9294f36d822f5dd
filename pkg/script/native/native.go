// Package native runs scripts written as Go functions. Embedders register
// built-in scripts by name and load them with a "native:<name>" source.
package native

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fidiego/hookproxy/pkg/script"
)

// Fn is one entry point of a native script.
type Fn func(ctx context.Context, args ...any) (any, error)

// Script is a set of entry points keyed by name.
type Script map[string]Fn

// Handle adapts s to script.Handle. Native scripts are assumed to be safe
// for concurrent use; wrap with Serial otherwise.
func (s Script) Handle() script.Handle { return handle{fns: s, concurrent: true} }

// Serial returns a handle that asks the engine to serialize its calls.
func (s Script) Serial() script.Handle { return handle{fns: s} }

// Unit builds an enabled unit from s without going through a Runtime.
func (s Script) Unit(name string, t script.HookType, opts ...script.UnitOption) *script.Unit {
	opts = append([]script.UnitOption{script.WithEnabled(true)}, opts...)
	return script.NewUnit(name, t, RuntimeName, s.Handle(), opts...)
}

type handle struct {
	fns        Script
	concurrent bool
}

func (h handle) Has(entryPoint string) bool {
	_, ok := h.fns[entryPoint]
	return ok
}

func (h handle) Call(ctx context.Context, entryPoint string, args ...any) (any, error) {
	fn, ok := h.fns[entryPoint]
	if !ok {
		return nil, fmt.Errorf("no function %q", entryPoint)
	}
	return fn(ctx, args...)
}

func (h handle) Concurrent() bool { return h.concurrent }

// RuntimeName is reported by native units.
const RuntimeName = "native"

// Runtime resolves "native:<name>" sources against registered scripts.
type Runtime struct {
	mu      sync.RWMutex
	scripts map[string]Script
}

// NewRuntime returns an empty native runtime.
func NewRuntime() *Runtime {
	return &Runtime{scripts: make(map[string]Script)}
}

// Register makes s loadable as "native:<name>".
func (r *Runtime) Register(name string, s Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[name] = s
}

func (r *Runtime) Name() string { return RuntimeName }

// Extensions is empty; native scripts never come from files.
func (r *Runtime) Extensions() []string { return nil }

func (r *Runtime) Compile(name, source string) (script.Handle, error) {
	key, ok := strings.CutPrefix(strings.TrimSpace(source), "native:")
	if !ok {
		return nil, fmt.Errorf("%w: native source must look like native:<name>", script.ErrParseFailure)
	}
	r.mu.RLock()
	s, ok := r.scripts[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no native script %q", script.ErrParseFailure, key)
	}
	return s.Handle(), nil
}
