package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxNameLength is the maximum length of a tool name.
	MaxNameLength = 256

	// MaxParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxParamsSize = 10 << 20
)

// Registry manages available tools with thread-safe registration and
// lookup. Argument schemas are compiled at registration time so every
// execution validates against the declared schema without recompiling.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*compiledSchema
}

type compiledSchema struct {
	schema *jsonschema.Schema
	err    error
}

// NewRegistry creates a new empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*compiledSchema),
	}
}

// Register adds a tool to the registry by its name. If a tool with
// the same name already exists, it is replaced. A tool without a
// schema is registered but its arguments pass unvalidated.
func (r *Registry) Register(tool Tool) {
	name := tool.Name()
	compiled := &compiledSchema{}
	if raw := tool.Schema(); len(raw) > 0 {
		compiled.schema, compiled.err = jsonschema.CompileString(name, string(raw))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	r.schemas[name] = compiled
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs a tool by name with the given JSON parameters.
// Missing tools, oversized parameters, and arguments that fail schema
// validation all come back as error results rather than Go errors, so
// the model sees what went wrong and can correct itself.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	if len(name) > MaxNameLength {
		return &Result{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxNameLength),
			IsError: true,
		}, nil
	}

	if len(params) > MaxParamsSize {
		return &Result{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxParamsSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	compiled := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return &Result{
			Content: "tool not found: " + name,
			IsError: true,
		}, nil
	}

	if err := validateParams(compiled, params); err != nil {
		return &Result{
			Content: fmt.Sprintf("invalid arguments for %s: %v", name, err),
			IsError: true,
		}, nil
	}

	return tool.Execute(ctx, params)
}

func validateParams(compiled *compiledSchema, params json.RawMessage) error {
	if compiled == nil {
		return nil
	}
	if compiled.err != nil {
		return fmt.Errorf("tool schema does not compile: %w", compiled.err)
	}
	if compiled.schema == nil {
		return nil
	}

	var payload any
	if len(params) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(params, &payload); err != nil {
		return err
	}
	return compiled.schema.Validate(payload)
}
