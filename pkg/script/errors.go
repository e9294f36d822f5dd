package script

import (
	"errors"
	"fmt"
	"time"
)

// Load error kinds.
var (
	ErrParseFailure    = errors.New("parse failure")
	ErrInvalidContract = errors.New("invalid contract")
	ErrDuplicateName   = errors.New("duplicate name")
)

// Invocation error kinds.
var (
	ErrRuntimeFailure = errors.New("runtime failure")
	ErrTimeout        = errors.New("timeout")
)

// ErrNotFound is returned for units that are not in the store.
var ErrNotFound = errors.New("script not found")

// LoadError is returned when a script cannot be turned into a unit.
// Kind is one of ErrParseFailure, ErrInvalidContract or ErrDuplicateName.
type LoadError struct {
	Name string
	Type HookType
	Kind error
	Err  error
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("load %s script %q: %v", e.Type, e.Name, e.Kind)
	}
	return fmt.Sprintf("load %s script %q: %v", e.Type, e.Name, e.Err)
}

func (e *LoadError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func loadError(name string, t HookType, kind, err error) *LoadError {
	return &LoadError{Name: name, Type: t, Kind: kind, Err: err}
}

// InvocationError is a failure caught at a unit's boundary.
// Kind is ErrRuntimeFailure or ErrTimeout.
type InvocationError struct {
	Unit       string
	Type       HookType
	EntryPoint string
	Kind       error
	Err        error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s script %q %s: %v: %v", e.Type, e.Unit, e.EntryPoint, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// ErrorRecord is the last failure seen on a unit.
type ErrorRecord struct {
	EntryPoint string    `json:"entryPoint"`
	Message    string    `json:"message"`
	Timeout    bool      `json:"timeout,omitempty"`
	At         time.Time `json:"at"`
}
