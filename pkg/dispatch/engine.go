// Package dispatch runs the enabled script units of a hook type for one
// pipeline event and folds their results into an Outcome.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fidiego/hookproxy/pkg/script"
)

// Checkpointer is implemented by context objects that can be rolled back
// when a unit fails part way through changing them.
type Checkpointer interface {
	// Checkpoint captures the current state and returns a func restoring it.
	Checkpoint() (restore func())
}

// Receiver takes the return value of a transforming unit. The first
// argument implementing it receives each non-nil result.
type Receiver interface {
	Receive(v any)
}

// UnitBinder is told which unit is about to run, so that side effects
// (alerts, tags) can be attributed to it.
type UnitBinder interface {
	BindUnit(u *script.Unit)
}

// Interceptor exposes the force-intercept flag of a message. Checkpoint
// restores it along with the rest of the message.
type Interceptor interface {
	InterceptForced() bool
}

// Firing is one event handed to the engine.
type Firing struct {
	Type       script.HookType
	EntryPoint string
	Args       []any
	// Timeout overrides the per-hook-type default for this firing.
	Timeout time.Duration
}

// Outcome is the aggregated result of a firing.
type Outcome struct {
	// Decision is false when any filtering unit returned false.
	Decision       bool
	ForceIntercept bool
	Invoked        int
	Failed         int
	Errors         []*script.InvocationError
}

// Dropped reports whether the pipeline should drop the message.
func (o Outcome) Dropped() bool { return !o.Decision }

// Engine fires hook types against a store.
type Engine struct {
	store    *script.Store
	timeouts map[script.HookType]time.Duration
	reporter Reporter
	logger   zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout sets the default per-invocation timeout for hook type t.
func WithTimeout(t script.HookType, d time.Duration) Option {
	return func(e *Engine) { e.timeouts[t] = d }
}

// WithTimeouts sets several defaults at once. Zero durations mean no limit.
func WithTimeouts(m map[script.HookType]time.Duration) Option {
	return func(e *Engine) {
		for t, d := range m {
			e.timeouts[t] = d
		}
	}
}

// WithReporter receives every invocation failure.
func WithReporter(r Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// WithLogger sets the engine's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New returns an engine reading units from store.
func New(store *script.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		timeouts: make(map[script.HookType]time.Duration),
		logger:   log.Logger,
	}
	for _, o := range opts {
		o(e)
	}
	if e.reporter == nil {
		e.reporter = LogReporter{Logger: e.logger}
	}
	return e
}

// Store returns the store the engine reads from.
func (e *Engine) Store() *script.Store { return e.store }

// Fire invokes f.EntryPoint on every enabled unit of f.Type, in order. Every
// unit runs even after one has failed or voted to drop.
func (e *Engine) Fire(ctx context.Context, f Firing) Outcome {
	out := Outcome{Decision: true}
	c, ok := script.ContractFor(f.Type)
	if !ok {
		e.logger.Error().Str("type", string(f.Type)).Msg("fire: unknown hook type")
		return out
	}
	for u := range e.store.ListEnabled(f.Type).All() {
		e.run(ctx, c, u, f, &out)
	}
	out.ForceIntercept = interceptForced(f.Args)
	return out
}

// Invoke runs a single unit through the same isolation path as Fire. The
// unit does not need to be enabled.
func (e *Engine) Invoke(ctx context.Context, u *script.Unit, f Firing) Outcome {
	out := Outcome{Decision: true}
	c, ok := script.ContractFor(u.Type())
	if !ok {
		return out
	}
	e.run(ctx, c, u, f, &out)
	out.ForceIntercept = interceptForced(f.Args)
	return out
}

func (e *Engine) run(ctx context.Context, c script.Contract, u *script.Unit, f Firing, out *Outcome) {
	if !u.Has(f.EntryPoint) {
		return
	}

	var restores []func()
	for _, a := range f.Args {
		if b, ok := a.(UnitBinder); ok {
			b.BindUnit(u)
		}
		if cp, ok := a.(Checkpointer); ok {
			restores = append(restores, cp.Checkpoint())
		}
	}

	callCtx, cancel := e.callContext(ctx, f)
	defer cancel()

	out.Invoked++
	res, err := u.Invoke(callCtx, f.EntryPoint, f.Args...)
	if err != nil {
		out.Failed++
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
		var ie *script.InvocationError
		if !errors.As(err, &ie) {
			ie = &script.InvocationError{Unit: u.Name(), Type: u.Type(), EntryPoint: f.EntryPoint, Kind: script.ErrRuntimeFailure, Err: err}
		}
		out.Errors = append(out.Errors, ie)
		e.reporter.Report(u, ie)
		return
	}

	switch c.Semantics {
	case script.Filtering:
		if !script.Truthy(res) {
			out.Decision = false
		}
	case script.Transforming:
		if res == nil {
			return
		}
		for _, a := range f.Args {
			if r, ok := a.(Receiver); ok {
				r.Receive(res)
				return
			}
		}
	}
}

// callContext detaches the call from the caller's cancellation so an
// aborted request does not tear a script down mid-way, then applies the
// timeout.
func (e *Engine) callContext(ctx context.Context, f Firing) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	d := f.Timeout
	if d <= 0 {
		d = e.timeouts[f.Type]
	}
	if d <= 0 {
		return base, func() {}
	}
	return context.WithTimeout(base, d)
}

func interceptForced(args []any) bool {
	for _, a := range args {
		if i, ok := a.(Interceptor); ok && i.InterceptForced() {
			return true
		}
	}
	return false
}
