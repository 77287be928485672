// Package models provides the shared domain types for the Ensemble
// orchestration core: chat turns, agents, tool shapes, model registry
// entries, orchestration settings and results, and the client event stream.
package models

// Role identifies the author of a chat turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatTurn is one entry in a session's ordered message sequence.
//
// Invariants: at most one leading system turn per sequence; assistant turns
// carry AgentName when multiple agents share the sequence; tool turns always
// reference a previously emitted tool call via ToolCallID.
type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// AgentName tags assistant turns with the producing agent.
	AgentName string `json:"agentName,omitempty"`

	// ToolCallID links a tool turn to the call it answers.
	ToolCallID string `json:"toolCallId,omitempty"`
}

// SystemTurn builds a system-role turn.
func SystemTurn(content string) ChatTurn {
	return ChatTurn{Role: RoleSystem, Content: content}
}

// UserTurn builds a user-role turn.
func UserTurn(content string) ChatTurn {
	return ChatTurn{Role: RoleUser, Content: content}
}

// AssistantTurn builds an assistant-role turn tagged with the producing agent.
func AssistantTurn(agentName, content string) ChatTurn {
	return ChatTurn{Role: RoleAssistant, Content: content, AgentName: agentName}
}

// ToolTurn builds a tool-role turn answering a prior tool call.
func ToolTurn(callID, content string) ChatTurn {
	return ChatTurn{Role: RoleTool, Content: content, ToolCallID: callID}
}
