// Package fallback holds the per-endpoint degraded responses served when a
// remote operation cannot be reached and no cached value exists. A registry
// is immutable once built; reloading the catalogue builds a new one.
package fallback

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dskow/resilient-client/internal/descriptor"
)

// Generator produces a fallback value from the call payload.
type Generator func(payload json.RawMessage) (json.RawMessage, error)

// Static returns a Generator that always yields value.
func Static(value json.RawMessage) Generator {
	v := append(json.RawMessage(nil), value...)
	return func(json.RawMessage) (json.RawMessage, error) {
		return append(json.RawMessage(nil), v...), nil
	}
}

// Registry maps canonical endpoint names to generators.
type Registry struct {
	entries map[string]Generator
}

// NewRegistry builds a registry. Endpoint names are canonicalized so
// "diary/stats" and "diary.stats" address the same entry.
func NewRegistry(entries map[string]Generator) *Registry {
	r := &Registry{entries: make(map[string]Generator, len(entries))}
	for name, gen := range entries {
		if gen == nil {
			continue
		}
		r.entries[descriptor.CanonicalEndpoint(name)] = gen
	}
	return r
}

// Merge returns a new registry holding base's entries overridden by
// overrides. Neither input is modified.
func Merge(base *Registry, overrides map[string]Generator) *Registry {
	all := make(map[string]Generator)
	if base != nil {
		for k, v := range base.entries {
			all[k] = v
		}
	}
	for k, v := range overrides {
		all[descriptor.CanonicalEndpoint(k)] = v
	}
	return NewRegistry(all)
}

// Lookup returns the fallback for endpoint. The payload is handed to
// parametric generators.
func (r *Registry) Lookup(endpoint string, payload json.RawMessage) (json.RawMessage, bool, error) {
	if r == nil {
		return nil, false, nil
	}
	gen, ok := r.entries[descriptor.CanonicalEndpoint(endpoint)]
	if !ok {
		return nil, false, nil
	}
	v, err := gen(payload)
	if err != nil {
		return nil, false, fmt.Errorf("fallback %s: %w", endpoint, err)
	}
	return v, true, nil
}

// Has reports whether endpoint has a fallback.
func (r *Registry) Has(endpoint string) bool {
	if r == nil {
		return false
	}
	_, ok := r.entries[descriptor.CanonicalEndpoint(endpoint)]
	return ok
}

// Endpoints lists registered endpoint names in sorted order.
func (r *Registry) Endpoints() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.entries))
	for k := range r.entries {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
