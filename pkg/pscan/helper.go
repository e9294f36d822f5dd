package pscan

import (
	"sync"
	"time"

	"github.com/fidiego/hookproxy/pkg/script"
)

// Helper is the scan-session object passed to scan(). It collects the
// alerts and tags raised by each unit.
type Helper struct {
	mu        sync.Mutex
	unit      string
	historyID int64
	flowID    string
	uri       string
	alerts    []Alert
	tags      []string
}

func newHelper(job Job) *Helper {
	h := &Helper{historyID: job.HistoryID, flowID: job.FlowID}
	if job.Message != nil && job.Message.Request != nil {
		h.uri = job.Message.Request.URL
	}
	return h
}

// BindUnit attributes the following alerts to u.
func (h *Helper) BindUnit(u *script.Unit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unit = u.Name()
}

// Checkpoint lets the engine discard alerts from a unit that failed.
func (h *Helper) Checkpoint() func() {
	h.mu.Lock()
	nAlerts, nTags := len(h.alerts), len(h.tags)
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.alerts = h.alerts[:nAlerts]
		h.tags = h.tags[:nTags]
	}
}

// Alerts returns the alerts raised so far.
func (h *Helper) Alerts() []Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Alert(nil), h.alerts...)
}

// Tags returns the tags added so far.
func (h *Helper) Tags() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.tags...)
}

func (h *Helper) ScriptType() string { return "scanHelper" }

func (h *Helper) ScriptMethods() map[string]script.Func {
	return map[string]script.Func{
		"raiseAlert": func(args ...any) (any, error) {
			a, err := alertFromArgs(args)
			if err != nil {
				return nil, err
			}
			h.mu.Lock()
			defer h.mu.Unlock()
			if a.URI == "" {
				a.URI = h.uri
			}
			a.HistoryID = h.historyID
			a.FlowID = h.flowID
			a.Script = h.unit
			a.RaisedAt = time.Now()
			if err := a.Validate(); err != nil {
				return nil, err
			}
			h.alerts = append(h.alerts, a)
			return nil, nil
		},
		"addTag": func(args ...any) (any, error) {
			tag, err := script.ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			h.mu.Lock()
			defer h.mu.Unlock()
			for _, t := range h.tags {
				if t == tag {
					return nil, nil
				}
			}
			h.tags = append(h.tags, tag)
			return nil, nil
		},
		"historyId": func(...any) (any, error) {
			return h.historyID, nil
		},
	}
}
