package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ensemble-ai/ensemble/internal/tools"
)

// FactRecorder receives facts agents decide to keep for the rest of
// the session. The shared meta memory satisfies this.
type FactRecorder interface {
	AddSharedFact(fact string, confidence float64, sources []string)
}

type rememberArgs struct {
	Fact       string  `json:"fact" jsonschema:"required,description=The fact to store for all agents in the session"`
	Source     string  `json:"source,omitempty" jsonschema:"description=Where the fact came from"`
	Confidence float64 `json:"confidence,omitempty" jsonschema:"description=How certain the fact is from 0 to 1; defaults to 1"`
}

// Remember stores a fact in the shared session memory.
type Remember struct {
	recorder FactRecorder
}

// NewRemember creates the remember_fact tool.
func NewRemember(recorder FactRecorder) *Remember {
	return &Remember{recorder: recorder}
}

// Name returns the tool name.
func (r *Remember) Name() string { return "remember_fact" }

// Description describes the tool.
func (r *Remember) Description() string {
	return "Stores a fact in shared memory so every agent in the session can recall it later."
}

// Schema defines the tool parameters.
func (r *Remember) Schema() json.RawMessage {
	return tools.ReflectSchema[rememberArgs]()
}

// Execute records the fact.
func (r *Remember) Execute(_ context.Context, params json.RawMessage) (*tools.Result, error) {
	if r.recorder == nil {
		return toolError("shared memory unavailable"), nil
	}

	var input rememberArgs
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid params: %v", err)), nil
	}
	fact := strings.TrimSpace(input.Fact)
	if fact == "" {
		return toolError("fact is required"), nil
	}

	source := strings.TrimSpace(input.Source)
	if source == "" {
		source = "agent"
	}
	confidence := input.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 1
	}
	r.recorder.AddSharedFact(fact, confidence, []string{source})

	payload, err := json.Marshal(map[string]string{"status": "stored", "fact": fact})
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &tools.Result{Content: string(payload)}, nil
}
