// Package script holds the script units that hook into the proxy pipeline:
// the fixed catalogue of hook types, the loaded units, and the store that
// orders and toggles them.
package script

import (
	"fmt"
	"strings"
)

// HookType names an extension point with a fixed call contract.
type HookType string

const (
	Proxy       HookType = "proxy"
	HTTPSender  HookType = "httpsender"
	PassiveScan HookType = "passive"
	Targeted    HookType = "targeted"
	Fuzz        HookType = "fuzz"
)

// Semantics describes how a firing interprets unit return values.
type Semantics int

const (
	// Filtering units return a pass/drop boolean that is ANDed across units.
	Filtering Semantics = iota
	// Observational units are run for their side effects only.
	Observational
	// Transforming units rewrite an in/out payload object.
	Transforming
)

func (s Semantics) String() string {
	switch s {
	case Filtering:
		return "filtering"
	case Observational:
		return "observational"
	case Transforming:
		return "transforming"
	}
	return "<invalid semantics>"
}

// Entry point names.
const (
	ProxyRequest     = "proxyRequest"
	ProxyResponse    = "proxyResponse"
	SendingRequest   = "sendingRequest"
	ResponseReceived = "responseReceived"
	Scan             = "scan"
	InvokeWith       = "invokeWith"
	ProcessPayload   = "processPayload"
	PreProcess       = "preProcess"
	PostProcess      = "postProcess"
)

// EntryPoint documents one function a unit exposes.
type EntryPoint struct {
	Name    string   `json:"name"`
	Args    []string `json:"args"`
	Returns string   `json:"returns,omitempty"`
}

// Signature renders the entry point as name(args)->returns.
func (e EntryPoint) Signature() string {
	s := e.Name + "(" + strings.Join(e.Args, ", ") + ")"
	if e.Returns != "" {
		s += "->" + e.Returns
	}
	return s
}

// Contract is the registry entry for one hook type.
type Contract struct {
	Type        HookType     `json:"type"`
	Description string       `json:"description"`
	EntryPoints []EntryPoint `json:"entryPoints"`
	Semantics   Semantics    `json:"-"`
	// AnyOf relaxes the contract: a unit needs only one of EntryPoints.
	AnyOf bool `json:"anyOf,omitempty"`
}

// Has reports whether name is one of the contract's entry points.
func (c Contract) Has(name string) bool {
	for _, ep := range c.EntryPoints {
		if ep.Name == name {
			return true
		}
	}
	return false
}

// Validate checks that h exposes the entry points the contract requires.
func (c Contract) Validate(h Handle) error {
	var missing []string
	found := 0
	for _, ep := range c.EntryPoints {
		if h.Has(ep.Name) {
			found++
			continue
		}
		missing = append(missing, ep.Name)
	}
	if c.AnyOf {
		if found == 0 {
			return fmt.Errorf("%w: %s script must define at least one of %s",
				ErrInvalidContract, c.Type, strings.Join(missing, ", "))
		}
		return nil
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s script is missing %s",
			ErrInvalidContract, c.Type, strings.Join(missing, ", "))
	}
	return nil
}

var registry = []Contract{
	{
		Type:        Proxy,
		Description: "Intercepts requests and responses passing through the proxy; returning false drops the message",
		EntryPoints: []EntryPoint{
			{Name: ProxyRequest, Args: []string{"msg"}, Returns: "bool"},
			{Name: ProxyResponse, Args: []string{"msg"}, Returns: "bool"},
		},
		Semantics: Filtering,
	},
	{
		Type:        HTTPSender,
		Description: "Observes every request sent and response received, whatever component initiated it",
		EntryPoints: []EntryPoint{
			{Name: SendingRequest, Args: []string{"msg", "initiator", "helper"}},
			{Name: ResponseReceived, Args: []string{"msg", "initiator", "helper"}},
		},
		Semantics: Observational,
	},
	{
		Type:        PassiveScan,
		Description: "Inspects completed traffic off the hot path and raises alerts",
		EntryPoints: []EntryPoint{
			{Name: Scan, Args: []string{"helper", "msg", "source"}},
		},
		Semantics: Observational,
	},
	{
		Type:        Targeted,
		Description: "Runs on demand against a message chosen by the user",
		EntryPoints: []EntryPoint{
			{Name: InvokeWith, Args: []string{"msg"}},
		},
		Semantics: Observational,
	},
	{
		Type:        Fuzz,
		Description: "Processes fuzzer payloads, outgoing fuzz messages and fuzz results",
		EntryPoints: []EntryPoint{
			{Name: ProcessPayload, Args: []string{"payload"}, Returns: "payload"},
			{Name: PreProcess, Args: []string{"utils", "msg", "insertions"}},
			{Name: PostProcess, Args: []string{"utils", "result"}},
		},
		Semantics: Transforming,
		AnyOf:     true,
	},
}

// HookTypes returns every hook type in display order.
func HookTypes() []HookType {
	types := make([]HookType, len(registry))
	for i, c := range registry {
		types[i] = c.Type
	}
	return types
}

// Contracts returns a copy of the registry.
func Contracts() []Contract {
	cp := make([]Contract, len(registry))
	copy(cp, registry)
	return cp
}

// ContractFor returns the registry entry for t.
func ContractFor(t HookType) (Contract, bool) {
	for _, c := range registry {
		if c.Type == t {
			return c, true
		}
	}
	return Contract{}, false
}

// Lookup parses a hook type name, case-insensitively.
func Lookup(name string) (HookType, bool) {
	t := HookType(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := ContractFor(t); ok {
		return t, true
	}
	return "", false
}
