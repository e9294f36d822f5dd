// Package targeted runs Targeted scripts on demand against messages from
// the proxy history.
package targeted

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fidiego/hookproxy/pkg/dispatch"
	"github.com/fidiego/hookproxy/pkg/filter"
	"github.com/fidiego/hookproxy/pkg/message"
	"github.com/fidiego/hookproxy/pkg/proxy"
	"github.com/fidiego/hookproxy/pkg/script"
)

// FlowLister lists the flows a filter expression is matched against.
type FlowLister interface {
	All() []*proxy.Flow
}

// Result is the outcome of running one unit against one history entry.
type Result struct {
	Script    string           `json:"script"`
	HistoryID int64            `json:"historyId"`
	Error     string           `json:"error,omitempty"`
	Message   *message.Message `json:"message"`
}

// Runner invokes targeted units.
type Runner struct {
	engine  *dispatch.Engine
	history proxy.History
	flows   FlowLister
}

// New returns a runner reading messages from history. flows may be nil, in
// which case RunMatching is unavailable.
func New(engine *dispatch.Engine, history proxy.History, flows FlowLister) *Runner {
	return &Runner{engine: engine, history: history, flows: flows}
}

// Run invokes the named targeted unit against a copy of history entry id.
// The unit need not be enabled. Unknown units and entries yield an error
// matching script.ErrNotFound or proxy.ErrNotFound.
func (r *Runner) Run(ctx context.Context, name string, id int64) (Result, error) {
	u, ok := r.engine.Store().Get(script.Targeted, name)
	if !ok {
		return Result{}, fmt.Errorf("targeted script %q: %w", name, script.ErrNotFound)
	}
	msg, err := r.message(id)
	if err != nil {
		return Result{}, err
	}
	return r.invoke(ctx, u, id, msg), nil
}

// RunEnabled invokes every enabled targeted unit, in order, each against its
// own copy of history entry id.
func (r *Runner) RunEnabled(ctx context.Context, id int64) ([]Result, error) {
	if _, err := r.message(id); err != nil {
		return nil, err
	}
	var results []Result
	for u := range r.engine.Store().ListEnabled(script.Targeted).All() {
		msg, err := r.message(id)
		if err != nil {
			return results, err
		}
		results = append(results, r.invoke(ctx, u, id, msg))
	}
	return results, nil
}

// RunMatching invokes the named unit against every history entry matching
// the filter expression.
func (r *Runner) RunMatching(ctx context.Context, name, expr string) ([]Result, error) {
	if r.flows == nil {
		return nil, errors.New("no flow list to match against")
	}
	u, ok := r.engine.Store().Get(script.Targeted, name)
	if !ok {
		return nil, fmt.Errorf("targeted script %q: %w", name, script.ErrNotFound)
	}
	f, err := filter.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}

	var results []Result
	for _, fl := range filter.Select(r.flows.All(), f) {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, r.invoke(ctx, u, fl.HistoryID, fl.Clone()))
	}
	return results, nil
}

func (r *Runner) message(id int64) (*message.Message, error) {
	msg, err := r.history.Message(id)
	if err != nil {
		return nil, fmt.Errorf("history %d: %w", id, err)
	}
	return msg.Clone(), nil
}

func (r *Runner) invoke(ctx context.Context, u *script.Unit, id int64, msg *message.Message) Result {
	out := r.engine.Invoke(ctx, u, dispatch.Firing{
		Type:       script.Targeted,
		EntryPoint: script.InvokeWith,
		Args:       []any{msg},
	})
	res := Result{Script: u.Name(), HistoryID: id, Message: msg}
	if len(out.Errors) > 0 {
		res.Error = out.Errors[0].Error()
	}
	log.Debug().Str("script", u.Name()).Int64("history_id", id).Bool("failed", out.Failed > 0).Msg("targeted script invoked")
	return res
}
