package models

import "encoding/json"

// EventType identifies a server-to-client event on the session channel.
type EventType string

const (
	// Connection lifecycle
	EventConnected         EventType = "connected"
	EventConversationStart EventType = "conversation-start"

	// Per-agent outcomes
	EventAgentResponse      EventType = "agent_response"
	EventAgentResponseError EventType = "agent_response_error"

	// Strategy aggregates
	EventPipelineResult  EventType = "pipeline_result"
	EventConsensusResult EventType = "consensus_result"
	EventChatComplete    EventType = "chat_complete"

	// Resilience notifications
	EventModelFallback EventType = "model-fallback"

	// Channel-level
	EventError  EventType = "error"
	EventStatus EventType = "status"
)

// Critical reports whether an event must be delivered for the client to make
// progress. The gateway never drops critical events under backpressure; it
// closes the connection instead.
func (t EventType) Critical() bool {
	switch t {
	case EventChatComplete, EventError, EventConnected:
		return true
	}
	return false
}

// Droppable reports whether an event may be shed first under backpressure.
func (t EventType) Droppable() bool {
	switch t {
	case EventStatus, EventModelFallback:
		return true
	}
	return false
}

// Event is one message on the server-to-client stream. Payload is the
// type-specific body; on the wire its fields appear flattened beside "type".
type Event struct {
	Type    EventType
	Payload any
}

// MarshalJSON flattens the payload fields beside the "type" discriminator,
// producing the wire envelope shape.
func (e Event) MarshalJSON() ([]byte, error) {
	body := map[string]json.RawMessage{}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
	}
	t, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	body["type"] = t
	return json.Marshal(body)
}

// ConnectedPayload greets a newly attached client.
type ConnectedPayload struct {
	UserID         string   `json:"userId"`
	IsReconnection bool     `json:"isReconnection,omitempty"`
	Agents         []string `json:"agents"`
}

// ConversationStartPayload acknowledges session creation.
type ConversationStartPayload struct {
	SessionID string     `json:"sessionId"`
	Topic     string     `json:"topic,omitempty"`
	Agents    []AgentRef `json:"agents"`
}

// AgentResponsePayload carries one agent's successful response.
type AgentResponsePayload struct {
	Agent          AgentRef   `json:"agent"`
	Response       string     `json:"response"`
	ResponseTimeMs int64      `json:"responseTime,omitempty"`
	Model          string     `json:"model,omitempty"`
	Usage          *Usage     `json:"usage,omitempty"`
	ToolCalls      []ToolCall `json:"toolCalls,omitempty"`
}

// AgentResponseErrorPayload carries one agent's failure.
type AgentResponseErrorPayload struct {
	Agent AgentRef `json:"agent"`
	Error string   `json:"error"`
}

// ChatCompletePayload terminates the event stream of one orchestrated turn.
type ChatCompletePayload struct {
	Strategy Strategy `json:"strategy"`
}

// ModelFallbackPayload reports that a call was served by a fallback model.
type ModelFallbackPayload struct {
	FromModel string    `json:"fromModel"`
	ToModel   string    `json:"toModel"`
	Agent     *AgentRef `json:"agent,omitempty"`
}

// ErrorPayload reports a channel-level failure. Recoverable failures leave
// the session usable; unrecoverable ones answer malformed input.
type ErrorPayload struct {
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable"`
}

// StatusPayload is the snapshot answering a get-status request.
type StatusPayload struct {
	Agents              []AgentRef `json:"agents"`
	ActiveConversations int        `json:"activeConversations"`
	ConnectedClients    int        `json:"connectedClients"`
	UptimeSeconds       float64    `json:"uptime"`
}
