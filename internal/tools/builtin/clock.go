package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ensemble-ai/ensemble/internal/tools"
)

// Clock reports the current time.
type Clock struct {
	now func() time.Time
}

// NewClock creates the current_time tool.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Name returns the tool name.
func (c *Clock) Name() string { return "current_time" }

// Description describes the tool.
func (c *Clock) Description() string {
	return "Returns the current date and time in RFC 3339 format, optionally for a specific IANA timezone."
}

// Schema defines the tool parameters.
func (c *Clock) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "timezone": {"type": "string", "description": "IANA timezone name such as Europe/Lisbon; defaults to UTC"}
  }
}`)
}

// Execute reports the current time in the requested zone.
func (c *Clock) Execute(_ context.Context, params json.RawMessage) (*tools.Result, error) {
	var input struct {
		Timezone string `json:"timezone"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return toolError(fmt.Sprintf("invalid params: %v", err)), nil
		}
	}

	loc := time.UTC
	if input.Timezone != "" {
		parsed, err := time.LoadLocation(input.Timezone)
		if err != nil {
			return toolError(fmt.Sprintf("unknown timezone %q", input.Timezone)), nil
		}
		loc = parsed
	}

	return &tools.Result{Content: c.now().In(loc).Format(time.RFC3339)}, nil
}
