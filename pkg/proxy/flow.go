package proxy

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/fidiego/hookproxy/pkg/message"
)

// FlowState describes the current lifecycle stage of a Flow.
type FlowState string

const (
	FlowStateActive      FlowState = "active"
	FlowStateIntercepted FlowState = "intercepted"
	FlowStateComplete    FlowState = "complete"
	FlowStateDropped     FlowState = "dropped"
	FlowStateError       FlowState = "error"
)

// Flow is one proxied HTTP transaction. The embedded message is what proxy
// and sender scripts see and edit.
type Flow struct {
	ID        string `json:"id"`
	HistoryID int64  `json:"historyId"`
	Upstream  string `json:"upstream"` // name of the upstream that handled this

	*message.Message
	Error string `json:"error,omitempty"`

	State FlowState `json:"state"`
	Tags  []string  `json:"tags,omitempty"`

	Timestamps struct {
		Created       time.Time `json:"created"`
		RequestDone   time.Time `json:"requestDone"`
		ResponseStart time.Time `json:"responseStart,omitempty"`
		ResponseDone  time.Time `json:"responseDone,omitempty"`
	} `json:"timestamps"`

	// mu protects resumeCh, killed, paused, Tags, State, Error and
	// Timestamps once the flow is in the store.
	mu       sync.Mutex
	resumeCh chan struct{}
	killed   bool
	paused   bool
}

// Duration returns elapsed time from flow creation to response completion,
// or to now if the flow is still in-flight.
func (f *Flow) Duration() time.Duration {
	if !f.Timestamps.ResponseDone.IsZero() {
		return f.Timestamps.ResponseDone.Sub(f.Timestamps.Created)
	}
	return time.Since(f.Timestamps.Created)
}

// Intercept pauses the flow until Resume or Kill is called or ctx ends.
// paused, if set, runs once the flow is marked intercepted. It reports
// whether the flow may continue.
func (f *Flow) Intercept(ctx context.Context, paused func()) bool {
	f.mu.Lock()
	if f.killed {
		f.mu.Unlock()
		return false
	}
	f.State = FlowStateIntercepted
	f.paused = true
	ch := make(chan struct{})
	f.resumeCh = ch
	f.mu.Unlock()

	if paused != nil {
		paused()
	}

	select {
	case <-ch:
	case <-ctx.Done():
		f.Kill()
	}
	return !f.Killed()
}

// WasIntercepted reports whether the flow has been paused at some point.
func (f *Flow) WasIntercepted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

// Intercepted reports whether the flow is waiting to be resumed.
func (f *Flow) Intercepted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumeCh != nil
}

// Resume continues a paused (intercepted) flow.
func (f *Flow) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeCh != nil && !f.killed {
		close(f.resumeCh)
		f.resumeCh = nil
	}
	if !f.killed {
		f.State = FlowStateActive
	}
}

// Kill terminates a flow; if it is intercepted it will be unblocked.
func (f *Flow) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	if f.resumeCh != nil {
		close(f.resumeCh)
		f.resumeCh = nil
	}
	f.State = FlowStateError
	f.Error = "flow killed"
}

// Killed reports whether Kill was called.
func (f *Flow) Killed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

// drop marks the flow as refused by a proxy script.
func (f *Flow) drop(stage string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.State = FlowStateDropped
	f.Error = "dropped by script on " + stage
}

// AddTags attaches tags, skipping ones already present.
func (f *Flow) AddTags(tags ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tags {
		if t != "" && !slices.Contains(f.Tags, t) {
			f.Tags = append(f.Tags, t)
		}
	}
}

// TagList returns a copy of the flow's tags.
func (f *Flow) TagList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.Tags)
}

// locked runs fn with the flow's lock held.
func (f *Flow) locked(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

// MarshalJSON encodes a snapshot of the flow. The message is copied under
// its own lock and the flow fields under the flow's.
func (f *Flow) MarshalJSON() ([]byte, error) {
	msg := &message.Message{}
	if f.Message != nil {
		msg = f.Message.Clone()
	}
	f.mu.Lock()
	out := flowJSON{
		ID:         f.ID,
		HistoryID:  f.HistoryID,
		Upstream:   f.Upstream,
		Request:    msg.Request,
		Response:   msg.Response,
		Notes:      msg.Notes,
		Error:      f.Error,
		State:      f.State,
		Tags:       slices.Clone(f.Tags),
		Timestamps: f.Timestamps,
	}
	f.mu.Unlock()
	return json.Marshal(out)
}

type flowJSON struct {
	ID         string            `json:"id"`
	HistoryID  int64             `json:"historyId"`
	Upstream   string            `json:"upstream"`
	Request    *message.Request  `json:"request"`
	Response   *message.Response `json:"response,omitempty"`
	Notes      []string          `json:"notes,omitempty"`
	Error      string            `json:"error,omitempty"`
	State      FlowState         `json:"state"`
	Tags       []string          `json:"tags,omitempty"`
	Timestamps any               `json:"timestamps"`
}

// FlowEventType describes the kind of change that occurred to a flow.
type FlowEventType string

const (
	FlowEventNew       FlowEventType = "new"
	FlowEventUpdate    FlowEventType = "update"
	FlowEventIntercept FlowEventType = "intercept"
	FlowEventComplete  FlowEventType = "complete"
	FlowEventDropped   FlowEventType = "dropped"
	FlowEventError     FlowEventType = "error"
)

// FlowEvent carries a flow change notification to subscribers.
type FlowEvent struct {
	Type FlowEventType `json:"type"`
	Flow *Flow         `json:"flow"`
}
