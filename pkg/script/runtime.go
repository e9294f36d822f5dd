package script

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Runtime compiles script bodies into invocable handles.
type Runtime interface {
	// Name identifies the runtime (e.g. "starlark").
	Name() string

	// Extensions lists the file extensions the runtime accepts, with the dot.
	Extensions() []string

	// Compile parses source. Syntax errors and failures while running the
	// script's top level are reported wrapping ErrParseFailure.
	Compile(name, source string) (Handle, error)
}

// Handle is a compiled script.
type Handle interface {
	// Has reports whether the script defines the named function.
	Has(entryPoint string) bool

	// Call runs the named function. It must return promptly once ctx is done.
	Call(ctx context.Context, entryPoint string, args ...any) (any, error)

	// Concurrent reports whether Call may run on several goroutines at once.
	Concurrent() bool
}

// Func is a host method callable from scripts.
type Func func(args ...any) (any, error)

// Object is a host value handed to scripts. Scripts see it as an object
// whose methods are the entries of ScriptMethods.
//
// Values crossing the boundary are nil, bool, int64, float64, string,
// []any, map[string]any or Object. Runtimes also accept int and []byte
// (as string) from host code.
type Object interface {
	ScriptType() string
	ScriptMethods() map[string]Func
}

// Runtimes maps file extensions to runtimes.
type Runtimes map[string]Runtime

// NewRuntimes indexes rts by extension.
func NewRuntimes(rts ...Runtime) Runtimes {
	m := make(Runtimes)
	for _, rt := range rts {
		for _, ext := range rt.Extensions() {
			m[strings.ToLower(ext)] = rt
		}
	}
	return m
}

// ForPath returns the runtime for a file path by its extension.
func (r Runtimes) ForPath(path string) (Runtime, error) {
	ext := strings.ToLower(filepath.Ext(path))
	rt, ok := r[ext]
	if !ok {
		return nil, fmt.Errorf("no script runtime for %q files", ext)
	}
	return rt, nil
}

// ByName returns the runtime called name.
func (r Runtimes) ByName(name string) (Runtime, bool) {
	for _, rt := range r {
		if rt.Name() == name {
			return rt, true
		}
	}
	return nil, false
}
