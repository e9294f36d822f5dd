package proxy

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// RequestHook is called after the full request body is read, before proxy
// scripts run.
type RequestHook interface {
	OnRequest(flow *Flow)
}

// ResponseHook is called after proxy scripts accepted the response, before
// it is returned to the client.
type ResponseHook interface {
	OnResponse(flow *Flow)
}

// CompleteHook is called when a flow finishes successfully. The passive
// scanner is fed from here.
type CompleteHook interface {
	OnComplete(flow *Flow)
}

// ErrorHook is called when an error occurs during proxying.
type ErrorHook interface {
	OnError(flow *Flow, err error)
}

// Addon is a marker interface; addons implement whichever hook interfaces they need.
type Addon interface{}

// AddonManager dispatches flow lifecycle events to registered addons in
// order. A panicking addon is logged and skipped; the rest still run.
type AddonManager struct {
	mu     sync.RWMutex
	addons []Addon
}

// NewAddonManager returns an empty AddonManager.
func NewAddonManager() *AddonManager {
	return &AddonManager{}
}

// Add registers one or more addons.
func (m *AddonManager) Add(addons ...Addon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addons = append(m.addons, addons...)
}

// Len returns the number of registered addons.
func (m *AddonManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.addons)
}

// FireRequest calls OnRequest on every addon that implements RequestHook.
func (m *AddonManager) FireRequest(flow *Flow) {
	m.each(flow, "request", func(a Addon) {
		if h, ok := a.(RequestHook); ok {
			h.OnRequest(flow)
		}
	})
}

// FireResponse calls OnResponse on every addon that implements ResponseHook.
func (m *AddonManager) FireResponse(flow *Flow) {
	m.each(flow, "response", func(a Addon) {
		if h, ok := a.(ResponseHook); ok {
			h.OnResponse(flow)
		}
	})
}

// FireComplete calls OnComplete on every addon that implements CompleteHook.
func (m *AddonManager) FireComplete(flow *Flow) {
	m.each(flow, "complete", func(a Addon) {
		if h, ok := a.(CompleteHook); ok {
			h.OnComplete(flow)
		}
	})
}

// FireError calls OnError on every addon that implements ErrorHook.
func (m *AddonManager) FireError(flow *Flow, err error) {
	m.each(flow, "error", func(a Addon) {
		if h, ok := a.(ErrorHook); ok {
			h.OnError(flow, err)
		}
	})
}

func (m *AddonManager) each(flow *Flow, event string, call func(Addon)) {
	m.mu.RLock()
	addons := m.addons
	m.mu.RUnlock()
	for _, a := range addons {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Error().
						Str("flow_id", flow.ID).
						Str("event", event).
						Str("addon", fmt.Sprintf("%T", a)).
						Interface("panic", p).
						Msg("addon panicked")
				}
			}()
			call(a)
		}()
	}
}
