package models

import "encoding/json"

// ToolSpec describes a tool as advertised to providers.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// Parameters is the JSON schema for the tool's arguments.
	Parameters json.RawMessage `json:"parameters"`
}

// ToolCall is a provider's request to invoke a tool, normalized across
// provider wire formats.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	CallID  string `json:"callId"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}
