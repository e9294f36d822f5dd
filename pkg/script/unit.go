package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// Unit is one loaded script bound to a hook type.
type Unit struct {
	name    string
	hook    HookType
	runtime string
	path    string
	handle  Handle

	enabled atomic.Bool
	order   atomic.Int64

	// serial holds one token while a handle that is not concurrency-safe
	// is being called.
	serial chan struct{}

	invocations atomic.Int64
	runErrors   atomic.Int64
	lastError   atomic.Pointer[ErrorRecord]
}

// UnitOption configures a Unit at load time.
type UnitOption func(*Unit)

// WithEnabled sets the unit's initial enable state.
func WithEnabled(enabled bool) UnitOption {
	return func(u *Unit) { u.enabled.Store(enabled) }
}

// WithPath records the file the unit was loaded from.
func WithPath(path string) UnitOption {
	return func(u *Unit) { u.path = path }
}

// Load compiles source with rt and checks it against t's contract.
func Load(name string, t HookType, source string, rt Runtime, opts ...UnitOption) (*Unit, error) {
	c, ok := ContractFor(t)
	if !ok {
		return nil, loadError(name, t, ErrInvalidContract, fmt.Errorf("unknown hook type %q", t))
	}
	h, err := rt.Compile(name, source)
	if err != nil {
		return nil, loadError(name, t, ErrParseFailure, err)
	}
	if err := c.Validate(h); err != nil {
		return nil, loadError(name, t, ErrInvalidContract, err)
	}
	u := NewUnit(name, t, rt.Name(), h, opts...)
	return u, nil
}

// LoadFile loads the script at path, picking the runtime by extension. The
// unit is named after the file without its extension.
func LoadFile(path string, t HookType, rts Runtimes, opts ...UnitOption) (*Unit, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	rt, err := rts.ForPath(path)
	if err != nil {
		return nil, loadError(name, t, ErrParseFailure, err)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, loadError(name, t, ErrParseFailure, fmt.Errorf("read %s: %w", path, err))
	}
	opts = append([]UnitOption{WithPath(path)}, opts...)
	return Load(name, t, string(src), rt, opts...)
}

// NewUnit wraps an already compiled handle. It does not validate the
// contract; use Load for untrusted sources.
func NewUnit(name string, t HookType, runtime string, h Handle, opts ...UnitOption) *Unit {
	u := &Unit{name: name, hook: t, runtime: runtime, handle: h, serial: make(chan struct{}, 1)}
	u.order.Store(-1)
	for _, o := range opts {
		o(u)
	}
	return u
}

func (u *Unit) Name() string         { return u.name }
func (u *Unit) Type() HookType       { return u.hook }
func (u *Unit) Runtime() string      { return u.runtime }
func (u *Unit) Path() string         { return u.path }
func (u *Unit) Enabled() bool        { return u.enabled.Load() }
func (u *Unit) Order() int           { return int(u.order.Load()) }
func (u *Unit) Invocations() int64   { return u.invocations.Load() }
func (u *Unit) RunErrorCount() int64 { return u.runErrors.Load() }

// LastError returns the most recent invocation failure, if any.
func (u *Unit) LastError() *ErrorRecord { return u.lastError.Load() }

// SetEnabled toggles the unit. Store.SetEnabled should be preferred for
// units held in a store so the change is persisted.
func (u *Unit) SetEnabled(enabled bool) { u.enabled.Store(enabled) }

// Has reports whether the unit defines entryPoint.
func (u *Unit) Has(entryPoint string) bool { return u.handle.Has(entryPoint) }

// Invoke calls entryPoint. Failures raised by the script, including panics
// in host methods, come back as *InvocationError and are recorded on the
// unit. Waiting for a busy unit that is not concurrency-safe counts against
// ctx; giving up is a timeout.
func (u *Unit) Invoke(ctx context.Context, entryPoint string, args ...any) (result any, err error) {
	u.invocations.Add(1)
	if !u.handle.Concurrent() && !holds(ctx, u) {
		select {
		case u.serial <- struct{}{}:
			defer func() { <-u.serial }()
		case <-ctx.Done():
			return nil, u.fail(ctx, entryPoint, fmt.Errorf("unit busy: %w", ctx.Err()))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			result = nil
		}
		if err != nil {
			err = u.fail(ctx, entryPoint, err)
		}
	}()

	return u.handle.Call(ctx, entryPoint, args...)
}

type heldKey struct{}

// WithinUnit marks ctx as derived from a call into u. A call back into u
// made with such a context (a script sending a request that fires its own
// hook) does not wait on u's serialization lock.
func WithinUnit(ctx context.Context, u *Unit) context.Context {
	if u == nil {
		return ctx
	}
	held, _ := ctx.Value(heldKey{}).([]*Unit)
	return context.WithValue(ctx, heldKey{}, append(held[:len(held):len(held)], u))
}

func holds(ctx context.Context, u *Unit) bool {
	held, _ := ctx.Value(heldKey{}).([]*Unit)
	for _, h := range held {
		if h == u {
			return true
		}
	}
	return false
}

func (u *Unit) fail(ctx context.Context, entryPoint string, err error) *InvocationError {
	kind := ErrRuntimeFailure
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		kind = ErrTimeout
	}
	u.runErrors.Add(1)
	u.lastError.Store(&ErrorRecord{
		EntryPoint: entryPoint,
		Message:    err.Error(),
		Timeout:    kind == ErrTimeout,
		At:         time.Now(),
	})
	return &InvocationError{
		Unit:       u.name,
		Type:       u.hook,
		EntryPoint: entryPoint,
		Kind:       kind,
		Err:        err,
	}
}

// Info is a point-in-time view of a unit for UIs and APIs.
type Info struct {
	Name        string       `json:"name"`
	Type        HookType     `json:"type"`
	Runtime     string       `json:"runtime"`
	Path        string       `json:"path,omitempty"`
	Enabled     bool         `json:"enabled"`
	Order       int          `json:"order"`
	Invocations int64        `json:"invocations"`
	RunErrors   int64        `json:"runErrors"`
	LastError   *ErrorRecord `json:"lastError,omitempty"`
}

// Info snapshots the unit's state.
func (u *Unit) Info() Info {
	return Info{
		Name:        u.name,
		Type:        u.hook,
		Runtime:     u.runtime,
		Path:        u.path,
		Enabled:     u.Enabled(),
		Order:       u.Order(),
		Invocations: u.Invocations(),
		RunErrors:   u.RunErrorCount(),
		LastError:   u.LastError(),
	}
}
