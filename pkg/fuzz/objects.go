package fuzz

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fidiego/hookproxy/pkg/message"
	"github.com/fidiego/hookproxy/pkg/script"
)

// Payload is the value handed through processPayload. Each unit sees the
// value left by the one before it, either returned or set with setValue.
type Payload struct {
	value string
}

func (p *Payload) Value() string { return p.value }

func (p *Payload) ScriptType() string { return "payload" }

func (p *Payload) ScriptMethods() map[string]script.Func {
	return map[string]script.Func{
		"value": func(...any) (any, error) { return p.value, nil },
		"setValue": func(args ...any) (any, error) {
			v, err := script.ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			p.value = v
			return nil, nil
		},
	}
}

// Receive takes a unit's return value as the new payload.
func (p *Payload) Receive(v any) {
	switch x := v.(type) {
	case *Payload:
		if x != p {
			p.value = x.value
		}
	case string:
		p.value = x
	case []byte:
		p.value = string(x)
	default:
		p.value = fmt.Sprint(x)
	}
}

func (p *Payload) Checkpoint() func() {
	v := p.value
	return func() { p.value = v }
}

// Result states.
const (
	StateSuccessful = "successful"
	StateReflected  = "reflected"
	StateError      = "error"
)

// Result is one fuzzed message and how it went.
type Result struct {
	ID       int              `json:"id"`
	Payloads []string         `json:"payloads"`
	Message  *message.Message `json:"message"`
	State    string           `json:"state"`
	Comment  string           `json:"comment,omitempty"`
	Custom   bool             `json:"custom,omitempty"`
	Err      string           `json:"error,omitempty"`

	mu sync.Mutex
}

func (r *Result) ScriptType() string { return "fuzzResult" }

func (r *Result) ScriptMethods() map[string]script.Func {
	return map[string]script.Func{
		"id": func(...any) (any, error) { return int64(r.ID), nil },
		"state": func(...any) (any, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.State, nil
		},
		// setState marks the result custom when the state changes.
		"setState": func(args ...any) (any, error) {
			s, err := script.ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			if s != r.State {
				r.State = s
				r.Custom = true
			}
			return nil, nil
		},
		"comment": func(...any) (any, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.Comment, nil
		},
		"setComment": func(args ...any) (any, error) {
			c, err := script.ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			r.Comment = c
			return nil, nil
		},
		"payloads": func(...any) (any, error) {
			out := make([]any, len(r.Payloads))
			for i, p := range r.Payloads {
				out[i] = p
			}
			return out, nil
		},
		"message": func(...any) (any, error) { return r.Message, nil },
	}
}

func (r *Result) Checkpoint() func() {
	r.mu.Lock()
	state, comment, custom := r.State, r.Comment, r.Custom
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.State, r.Comment, r.Custom = state, comment, custom
	}
}

// Utils is the run-wide helper passed to preProcess and postProcess.
type Utils struct {
	cancel  context.CancelFunc
	sent    *atomic.Int64
	stopped atomic.Bool
}

func (u *Utils) ScriptType() string { return "fuzzUtils" }

func (u *Utils) ScriptMethods() map[string]script.Func {
	return map[string]script.Func{
		// stop() ends the run; messages not yet started are skipped.
		"stop": func(...any) (any, error) {
			u.stopped.Store(true)
			u.cancel()
			return nil, nil
		},
		"sentCount": func(...any) (any, error) { return u.sent.Load(), nil },
	}
}
