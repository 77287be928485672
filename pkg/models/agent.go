package models

// Agent is a participant in a session, bound to a provider and a logical
// model. Agents are created on session start and immutable afterwards except
// for the per-turn derived system prompt.
type Agent struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Model    string `json:"model"`

	// SystemPrompt is the assembled prompt for the current turn.
	SystemPrompt string `json:"systemPrompt,omitempty"`

	// Archetype selects the tool allow-list for this agent.
	Archetype string `json:"archetype,omitempty"`

	Parameters AgentParameters `json:"parameters,omitempty"`

	// CredentialRef optionally overrides the provider credential for this
	// agent's calls. It is an opaque reference, never a raw key.
	CredentialRef string `json:"credentialRef,omitempty"`
}

// Ref returns the compact identity used in event payloads.
func (a Agent) Ref() AgentRef {
	return AgentRef{ID: a.ID, Name: a.Name}
}

// AgentRef identifies an agent in event payloads and results.
type AgentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AgentParameters are the sampling parameters applied to an agent's calls.
// Zero values mean "provider default"; RepetitionPenalty follows the common
// 1.0-neutral convention and is translated per provider by the adapters.
type AgentParameters struct {
	Temperature       float64 `json:"temperature,omitempty"`
	TopP              float64 `json:"topP,omitempty"`
	MaxTokens         int     `json:"maxTokens,omitempty"`
	RepetitionPenalty float64 `json:"repetitionPenalty,omitempty"`
}

// DefaultParameters are applied when an agent specifies none.
func DefaultParameters() AgentParameters {
	return AgentParameters{
		Temperature:       0.7,
		TopP:              1.0,
		MaxTokens:         1024,
		RepetitionPenalty: 1.0,
	}
}

// Merge overlays non-zero fields of override onto p.
func (p AgentParameters) Merge(override AgentParameters) AgentParameters {
	out := p
	if override.Temperature != 0 {
		out.Temperature = override.Temperature
	}
	if override.TopP != 0 {
		out.TopP = override.TopP
	}
	if override.MaxTokens != 0 {
		out.MaxTokens = override.MaxTokens
	}
	if override.RepetitionPenalty != 0 {
		out.RepetitionPenalty = override.RepetitionPenalty
	}
	return out
}
