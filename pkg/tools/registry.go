// Package tools holds the statically enumerated tool registry, per-session
// feature filtering, LLM function-schema construction, and the toolbox that
// mediates every tool call behind the greeting gate.
package tools

import (
	"context"
	"sort"
	"strings"
)

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Property is one JSON-schema parameter.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Schema is the parameters block of a tool.
type Schema struct {
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Entry is one registered tool. FeatureFlag "" means always registered;
// otherwise the tool is only offered when the session supports the flag.
// Passthrough tools broadcast to the UI without the LLM observing completion.
type Entry struct {
	Name        string
	Description string
	FeatureFlag string
	Parameters  Schema
	Passthrough bool
	Handler     Handler
}

// Registry is an ordered, immutable set of tool entries.
type Registry struct {
	byName map[string]Entry
	order  []string
}

func NewRegistry(entries ...Entry) *Registry {
	r := &Registry{byName: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		name := strings.TrimSpace(e.Name)
		if name == "" || e.Handler == nil {
			continue
		}
		if _, dup := r.byName[name]; !dup {
			r.order = append(r.order, name)
		}
		r.byName[name] = e
	}
	return r
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Get(name string) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	e, ok := r.byName[strings.TrimSpace(name)]
	return e, ok
}

// Names returns registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// All returns entries in registration order.
func (r *Registry) All() []Entry {
	if r == nil {
		return nil
	}
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// FilterByFeatures keeps tools whose feature flag is empty or contained in
// supported. A nil supported slice keeps everything. Filtering is idempotent
// and monotone in the supported set.
func (r *Registry) FilterByFeatures(supported []string) *Registry {
	if r == nil {
		return nil
	}
	if supported == nil {
		return r
	}
	set := make(map[string]struct{}, len(supported))
	for _, f := range supported {
		set[strings.TrimSpace(f)] = struct{}{}
	}
	kept := make([]Entry, 0, len(r.order))
	for _, e := range r.All() {
		if e.FeatureFlag == "" {
			kept = append(kept, e)
			continue
		}
		if _, ok := set[e.FeatureFlag]; ok {
			kept = append(kept, e)
		}
	}
	return NewRegistry(kept...)
}

// FilterByWhitelist keeps only the named tools. A nil whitelist keeps
// everything (the per-room sprite-bot config may not set one).
func (r *Registry) FilterByWhitelist(names []string) *Registry {
	if r == nil || names == nil {
		return r
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[strings.TrimSpace(n)] = struct{}{}
	}
	kept := make([]Entry, 0, len(r.order))
	for _, e := range r.All() {
		if _, ok := set[e.Name]; ok {
			kept = append(kept, e)
		}
	}
	return NewRegistry(kept...)
}

// FunctionSchema is the LLM-facing shape of a tool.
type FunctionSchema struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Properties  map[string]Property `json:"properties,omitempty"`
	Required    []string            `json:"required,omitempty"`
}

// BuildSchemas produces function schemas for every entry, substituting
// descriptions from the prompt-overrides map when present.
func BuildSchemas(r *Registry, overrides map[string]string) []FunctionSchema {
	if r == nil {
		return nil
	}
	out := make([]FunctionSchema, 0, r.Len())
	for _, e := range r.All() {
		desc := e.Description
		if override, ok := overrides[e.Name]; ok && strings.TrimSpace(override) != "" {
			desc = override
		}
		required := append([]string(nil), e.Parameters.Required...)
		sort.Strings(required)
		out = append(out, FunctionSchema{
			Name:        e.Name,
			Description: desc,
			Properties:  e.Parameters.Properties,
			Required:    required,
		})
	}
	return out
}
