package toolwire

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ensemble-ai/ensemble/pkg/models"
)

func TestOpenAITools(t *testing.T) {
	tools := []models.ToolSpec{
		{
			Name:        "calculator",
			Description: "Evaluates arithmetic expressions",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string"}},"required":["expression"]}`),
		},
		{
			Name:       "broken",
			Parameters: json.RawMessage(`not json`),
		},
	}

	out := OpenAITools(tools)
	if len(out) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(out))
	}
	if out[0].Type != openai.ToolTypeFunction || out[0].Function.Name != "calculator" {
		t.Errorf("unexpected tool: %+v", out[0])
	}

	// A broken schema degrades to an empty object schema instead of
	// failing the request.
	params, ok := out[1].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("degraded parameters should be a map, got %T", out[1].Function.Parameters)
	}
	if params["type"] != "object" {
		t.Errorf("degraded schema type = %v, want object", params["type"])
	}
}
