// Package tools holds the shared tool registry and the negotiator
// that decides which tools each agent archetype may see and invoke.
//
// A tool here is deliberately small: a name, a model-facing
// description, a JSON schema, and a handler. Heavyweight executors
// (sandboxes, browsers, filesystem access) belong to the embedding
// application and are registered through the same interface.
package tools

import (
	"context"
	"encoding/json"

	"github.com/ensemble-ai/ensemble/pkg/models"
)

// Tool is a capability advertised to models and invoked on their
// behalf.
type Tool interface {
	// Name returns the unique tool identifier.
	Name() string

	// Description returns the model-facing explanation of what the
	// tool does and when to use it.
	Description() string

	// Schema returns the JSON schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. Failures the model should see and react
	// to (bad input, missing data) belong in an IsError result; a
	// non-nil error means the infrastructure itself broke.
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result is the outcome of one tool execution, before it is bound to
// the call that produced it.
type Result struct {
	Content string
	IsError bool
}

// Spec converts a tool to the neutral form advertised to providers.
func Spec(t Tool) models.ToolSpec {
	return models.ToolSpec{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}

// FormatResult binds a tool result to the call that produced it,
// yielding the tool-role turn appended to the conversation.
func FormatResult(res *Result, call models.ToolCall) models.ToolResult {
	out := models.ToolResult{
		CallID: call.ID,
		Name:   call.Name,
	}
	if res != nil {
		out.Content = res.Content
		out.IsError = res.IsError
	}
	return out
}
