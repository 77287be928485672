package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/ensemble-ai/ensemble/internal/providers/toolwire"
	"github.com/ensemble-ai/ensemble/pkg/models"
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey is the default credential (sk-ant-...). It may be empty
	// when every request carries its own key.
	APIKey string

	// BaseURL overrides the default API base URL.
	BaseURL string
}

// AnthropicProvider implements Adapter for Anthropic's Messages API.
//
// The adapter owns two format translations the API requires: the
// system prompt travels outside the message list, and tool traffic is
// expressed as content blocks (tool_use on assistant turns, tool_result
// on user turns) rather than dedicated roles.
//
// AnthropicProvider is safe for concurrent use; clients are cached per
// credential.
type AnthropicProvider struct {
	apiKey  string
	baseURL string

	mu      sync.Mutex
	clients map[string]anthropic.Client
}

// NewAnthropicProvider creates the Anthropic adapter.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSpace(cfg.BaseURL),
		clients: make(map[string]anthropic.Client),
	}
}

// Name returns the provider identifier used for routing and logging.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// SupportsTools reports that tool use is available.
func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

// Complete issues a non-streaming Messages request and translates the
// response content blocks into a normalized Response.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	client := p.client(req.APIKey)
	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}

	out := &Response{
		Usage: models.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	out.Content = text.String()
	return out, nil
}

// CompleteStreaming issues a streaming Messages request. Text deltas
// are forwarded as they arrive; tool input JSON is accumulated across
// delta events and emitted as one chunk when its content block closes.
func (p *AnthropicProvider) CompleteStreaming(ctx context.Context, req *Request) (<-chan Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	client := p.client(req.APIKey)
	stream := client.Messages.NewStreaming(ctx, params)

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		p.processStream(stream, chunks, req.Model)
	}()
	return chunks, nil
}

// toolUseBuffer accumulates one tool_use block across stream events:
// content_block_start opens it, input_json_delta extends its JSON, and
// content_block_stop flushes it as a single tool call.
type toolUseBuffer struct {
	call  *models.ToolCall
	input strings.Builder
}

func (b *toolUseBuffer) open(id, name string) {
	b.call = &models.ToolCall{ID: id, Name: name}
	b.input.Reset()
}

func (b *toolUseBuffer) flush() *models.ToolCall {
	if b.call == nil {
		return nil
	}
	args := b.input.String()
	if args == "" {
		args = "{}"
	}
	call := b.call
	call.Arguments = json.RawMessage(args)
	b.call = nil
	return call
}

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk, model string) {
	var tool toolUseBuffer
	var usage models.Usage

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			if n := event.AsMessageStart().Message.Usage.InputTokens; n > 0 {
				usage.PromptTokens = int(n)
			}

		case "content_block_start":
			if block := event.AsContentBlockStart().ContentBlock; block.Type == "tool_use" {
				use := block.AsToolUse()
				tool.open(use.ID, use.Name)
			}

		case "content_block_delta":
			switch delta := event.AsContentBlockDelta().Delta; delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- Chunk{Text: delta.Text}
				}
			case "input_json_delta":
				tool.input.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if call := tool.flush(); call != nil {
				chunks <- Chunk{ToolCall: call}
			}

		case "message_delta":
			if n := event.AsMessageDelta().Usage.OutputTokens; n > 0 {
				usage.CompletionTokens = int(n)
			}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			chunks <- Chunk{Done: true, Usage: &usage}
			return

		case "error":
			chunks <- Chunk{Err: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- Chunk{Err: p.wrapError(err, model)}
	}
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	if req.Model == "" {
		return anthropic.MessageNewParams{}, &Error{
			Kind:     KindValidation,
			Provider: "anthropic",
			Message:  "model is required",
		}
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, NewError("anthropic", req.Model, err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.Params.MaxTokens)),
	}

	// System prompt travels outside the message list.
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: req.System},
		}
	}

	if t := req.Params.Temperature; t > 0 {
		params.Temperature = anthropic.Float(t)
	}
	if tp := req.Params.TopP; tp > 0 && tp < 1 {
		params.TopP = anthropic.Float(tp)
	}

	if len(req.Tools) > 0 {
		tools, err := toolwire.AnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, NewError("anthropic", req.Model, err)
		}
		params.Tools = tools
	}

	return params, nil
}

// convertAnthropicMessages converts normalized messages into the
// content-block form the Messages API expects. Tool results become
// tool_result blocks on user messages and replayed tool calls become
// tool_use blocks on assistant messages; system turns are skipped
// because the system prompt is carried in the request params.
func convertAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.CallID, tr.Content, tr.IsError))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, errors.New("invalid tool call arguments: " + err.Error())
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func (p *AnthropicProvider) client(apiKey string) anthropic.Client {
	key := apiKey
	if key == "" {
		key = p.apiKey
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c
	}

	options := []option.RequestOption{option.WithAPIKey(key)}
	if p.baseURL != "" {
		options = append(options, option.WithBaseURL(p.baseURL))
	}
	c := anthropic.NewClient(options...)
	p.clients[key] = c
	return c
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		provErr := NewError("anthropic", model, err).WithStatus(apiErr.StatusCode)

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					provErr = provErr.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					provErr = provErr.WithCode(payload.Error.Type)
				}
			}
		}
		return provErr
	}

	return NewError("anthropic", model, err)
}
