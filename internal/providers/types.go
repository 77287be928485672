// Package providers implements the provider adapters that translate
// normalized chat requests into each vendor's wire format.
//
// An adapter is a thin translation layer: it converts messages, tool
// definitions, and sampling parameters into the provider SDK's request
// shape, issues the call, and normalizes the response (content, tool
// calls, token usage) back into provider-neutral types. Adapters do not
// retry, rate-limit, or cache; those concerns belong to the negotiation
// layer that sits above the registry, so the policy is uniform across
// providers.
//
// Every failure an adapter returns is a *Error carrying a classified
// Kind, which the layers above use to decide between retrying, tripping
// a breaker, or surfacing a terminal error.
//
// Example:
//
//	reg := providers.NewRegistry()
//	reg.Register(providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: key}))
//	reg.Register(providers.NewOpenAIProvider(providers.OpenAIConfig{APIKey: key}))
//
//	adapter, _ := reg.Get("anthropic")
//	resp, err := adapter.Complete(ctx, &providers.Request{
//	    Model:    "claude-sonnet-4-20250514",
//	    System:   "You are a concise assistant.",
//	    Messages: []providers.Message{{Role: "user", Content: "Hello!"}},
//	    Params:   models.DefaultParameters(),
//	})
package providers

import (
	"context"

	"github.com/ensemble-ai/ensemble/pkg/models"
)

// Message is a single conversation turn in provider-neutral form.
//
// Assistant turns that requested tools carry ToolCalls so the adapter
// can replay them in the provider's native shape (Anthropic and Bedrock
// require the original tool_use blocks to precede their results). Turns
// with role "tool" carry ToolResults answering those calls.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// Request is a normalized completion request.
//
// Model is the provider wire name (the registry's api_name, not the
// caller-facing alias). System is kept separate from Messages because
// several providers carry it outside the message list.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Params   models.AgentParameters
	Tools    []models.ToolSpec

	// APIKey overrides the adapter's default credential for this
	// request. Empty means use the credential the adapter was
	// constructed with. Ignored by adapters whose transport does not
	// authenticate per request (Bedrock uses the AWS credential chain).
	APIKey string
}

// Response is a normalized, complete (non-streaming) result.
type Response struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     models.Usage
}

// Chunk is one increment of a streaming completion. The stream is
// finite: after a chunk with Done or Err set, no further chunks arrive
// and the channel is closed.
type Chunk struct {
	Text     string
	ToolCall *models.ToolCall
	Usage    *models.Usage
	Done     bool
	Err      error
}

// Adapter is the interface every provider integration implements.
//
// Complete blocks until the provider returns the full response.
// CompleteStreaming returns immediately with a channel of chunks; the
// goroutine feeding it honors ctx and always closes the channel. Both
// return classified *Error values on failure.
type Adapter interface {
	Name() string
	SupportsTools() bool
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStreaming(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Collect drains a chunk stream into a single Response. It is the
// bridge from CompleteStreaming back to the non-streaming shape, used
// by callers that want streaming transport but a complete result.
func Collect(chunks <-chan Chunk) (*Response, error) {
	resp := &Response{}
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		resp.Content += chunk.Text
		if chunk.ToolCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
	}
	return resp, nil
}
