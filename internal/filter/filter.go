// Package filter decides which message types are written to a session
// log once that session is being recorded.
package filter

import "pktlog/internal/protocol"

// Filter is an immutable per-type allow table with a default policy.
// A nil *Filter allows every type.
type Filter struct {
	defaultAllow bool
	overrides    map[protocol.TypeID]bool
}

// New returns a Filter that answers defaultAllow for any type id not
// present in overrides.  The overrides map is copied.
func New(defaultAllow bool, overrides map[protocol.TypeID]bool) *Filter {
	f := &Filter{
		defaultAllow: defaultAllow,
		overrides:    make(map[protocol.TypeID]bool, len(overrides)),
	}
	for id, allow := range overrides {
		f.overrides[id] = allow
	}
	return f
}

// AllowAll returns a Filter with no overrides that records everything.
func AllowAll() *Filter { return New(true, nil) }

// Allowed reports whether messages of type id should be recorded.  An
// explicit override always wins over the default.
func (f *Filter) Allowed(id protocol.TypeID) bool {
	if f == nil {
		return true
	}
	if allow, ok := f.overrides[id]; ok {
		return allow
	}
	return f.defaultAllow
}

// Default returns the policy applied to types without an override.
func (f *Filter) Default() bool {
	if f == nil {
		return true
	}
	return f.defaultAllow
}

// Overrides returns the number of explicit per-type entries.
func (f *Filter) Overrides() int {
	if f == nil {
		return 0
	}
	return len(f.overrides)
}
