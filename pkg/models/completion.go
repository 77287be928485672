package models

// Completion is the final result of one chat generation, after retries,
// tool round-trips, and any model fallback.
type Completion struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`

	// ToolCalls are the calls the model issued during the turn, if any.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`

	// Model is the model that actually served the call.
	Model string `json:"model"`
}
