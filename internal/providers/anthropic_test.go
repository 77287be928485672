package providers

import (
	"encoding/json"
	"testing"

	"github.com/ensemble-ai/ensemble/pkg/models"
)

func TestConvertAnthropicMessages(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "ignored here"},
		{Role: "user", Content: "check the weather"},
		{Role: "assistant", ToolCalls: []models.ToolCall{
			{ID: "toolu_1", Name: "weather", Arguments: json.RawMessage(`{"city":"Porto"}`)},
		}},
		{Role: "tool", ToolResults: []models.ToolResult{
			{CallID: "toolu_1", Name: "weather", Content: "18C, clear"},
		}},
	}

	out, err := convertAnthropicMessages(messages)
	if err != nil {
		t.Fatalf("convertAnthropicMessages: %v", err)
	}

	// The system turn is dropped; it travels in the request params.
	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}
	if out[0].Role != "user" {
		t.Errorf("first role = %q, want user", out[0].Role)
	}
	if out[1].Role != "assistant" {
		t.Errorf("second role = %q, want assistant", out[1].Role)
	}
	// Tool results ride on user messages in the Messages API.
	if out[2].Role != "user" {
		t.Errorf("tool result role = %q, want user", out[2].Role)
	}
}

func TestConvertAnthropicMessagesRejectsBadArguments(t *testing.T) {
	_, err := convertAnthropicMessages([]Message{
		{Role: "assistant", ToolCalls: []models.ToolCall{
			{ID: "toolu_1", Name: "weather", Arguments: json.RawMessage(`not json`)},
		}},
	})
	if err == nil {
		t.Fatal("expected error for unparseable tool arguments")
	}
}

func TestConvertAnthropicMessagesSkipsEmpty(t *testing.T) {
	out, err := convertAnthropicMessages([]Message{
		{Role: "user", Content: ""},
		{Role: "user", Content: "hello"},
	})
	if err != nil {
		t.Fatalf("convertAnthropicMessages: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("empty message should be dropped, got %d messages", len(out))
	}
}

func TestAnthropicBuildParams(t *testing.T) {
	p := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-ant-test"})

	params, err := p.buildParams(&Request{
		Model:    "claude-sonnet-4-20250514",
		System:   "answer briefly",
		Messages: []Message{{Role: "user", Content: "hi"}},
		Params:   models.AgentParameters{Temperature: 0.5, TopP: 0.9, MaxTokens: 2048},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %d, want 2048", params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "answer briefly" {
		t.Errorf("system prompt not carried in params: %+v", params.System)
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.5 {
		t.Errorf("Temperature = %+v, want 0.5", params.Temperature)
	}
	if !params.TopP.Valid() || params.TopP.Value != 0.9 {
		t.Errorf("TopP = %+v, want 0.9", params.TopP)
	}
}

func TestAnthropicBuildParamsRequiresModel(t *testing.T) {
	p := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-ant-test"})

	_, err := p.buildParams(&Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	provErr, ok := AsError(err)
	if !ok || provErr.Kind != KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}
