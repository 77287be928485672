package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ensemble-ai/ensemble/pkg/models"
)

// ErrUnknownTool is returned by Invoke when a tool name is not
// registered. Callers treat it as a validation failure.
var ErrUnknownTool = errors.New("unknown tool")

// DefaultArchetype is the allow-list entry used when an agent does
// not declare an archetype.
const DefaultArchetype = "default"

// Allowlist maps an agent archetype to the tool names it may use.
// The entry "*" grants every registered tool.
type Allowlist map[string][]string

// Negotiator filters the registry through per-archetype allow-lists
// and gates tool invocation. It performs no side effects of its own
// beyond what the registered handlers do.
type Negotiator struct {
	registry *Registry
	allow    Allowlist
}

// NewNegotiator creates a negotiator over the given registry. A nil
// allow-list advertises nothing; use a "*" entry to open every
// registered tool to an archetype.
func NewNegotiator(registry *Registry, allow Allowlist) *Negotiator {
	return &Negotiator{registry: registry, allow: allow}
}

// Registry exposes the underlying registry for registration.
func (n *Negotiator) Registry() *Registry {
	return n.registry
}

// Advertise returns the tool specs the archetype may see, in
// allow-list order with duplicates and unregistered names dropped.
// An empty archetype falls back to the "default" entry.
func (n *Negotiator) Advertise(archetype string) []models.ToolSpec {
	if archetype == "" {
		archetype = DefaultArchetype
	}
	names := n.allow[archetype]

	var specs []models.ToolSpec
	seen := make(map[string]bool)
	for _, name := range names {
		if name == "*" {
			for _, registered := range n.registry.Names() {
				if seen[registered] {
					continue
				}
				seen[registered] = true
				if tool, ok := n.registry.Get(registered); ok {
					specs = append(specs, Spec(tool))
				}
			}
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		if tool, ok := n.registry.Get(name); ok {
			specs = append(specs, Spec(tool))
		}
	}
	return specs
}

// Invoke validates and executes one tool call. Unregistered names
// fail with ErrUnknownTool; argument-schema violations and handler
// failures come back as error results so the model can react to them.
func (n *Negotiator) Invoke(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	if _, ok := n.registry.Get(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return n.registry.Execute(ctx, name, args)
}
