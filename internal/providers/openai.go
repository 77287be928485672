package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ensemble-ai/ensemble/internal/providers/toolwire"
	"github.com/ensemble-ai/ensemble/pkg/models"
)

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	// APIKey is the default credential. It may be empty when every
	// request carries its own key.
	APIKey string

	// BaseURL overrides the API endpoint. Used for OpenAI-compatible
	// servers; leave empty for the hosted API.
	BaseURL string
}

// OpenAIProvider implements Adapter for the OpenAI Chat Completions
// API and for any server speaking the same protocol.
//
// Clients are cached per credential so per-agent key overrides reuse
// connections instead of re-dialing on every request. The provider is
// safe for concurrent use.
type OpenAIProvider struct {
	name    string
	apiKey  string
	baseURL string

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewOpenAIProvider creates the OpenAI adapter.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	return &OpenAIProvider{
		name:    "openai",
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		clients: make(map[string]*openai.Client),
	}
}

// Name returns the provider identifier used for routing and logging.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// SupportsTools reports that function calling is available.
func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

// Complete sends a non-streaming chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	oaReq, err := p.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.client(req.APIKey).CreateChatCompletion(ctx, oaReq)
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}
	if len(resp.Choices) == 0 {
		return nil, NewError(p.name, req.Model, errors.New("response contained no choices"))
	}

	choice := resp.Choices[0]
	out := &Response{
		Content: choice.Message.Content,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// CompleteStreaming sends a streaming chat completion request and
// returns a channel of chunks. Text deltas are forwarded as they
// arrive; tool calls are accumulated across deltas and emitted once
// complete, following the fragment-by-index protocol the API uses.
func (p *OpenAIProvider) CompleteStreaming(ctx context.Context, req *Request) (<-chan Chunk, error) {
	oaReq, err := p.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	stream, err := p.client(req.APIKey).CreateChatCompletionStream(ctx, oaReq)
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		p.processStream(stream, chunks, req.Model)
	}()
	return chunks, nil
}

func (p *OpenAIProvider) processStream(stream *openai.ChatCompletionStream, chunks chan<- Chunk, model string) {
	// Tool call arguments stream as JSON fragments keyed by index; the
	// call is only whole once the finish reason says so.
	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	pending := make(map[int]*pendingCall)
	var order []int
	var usage *models.Usage

	flush := func() {
		for _, idx := range order {
			call := pending[idx]
			args := call.args.String()
			if args == "" {
				args = "{}"
			}
			chunks <- Chunk{ToolCall: &models.ToolCall{
				ID:        call.id,
				Name:      call.name,
				Arguments: json.RawMessage(args),
			}}
		}
		pending = make(map[int]*pendingCall)
		order = nil
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flush()
			chunks <- Chunk{Done: true, Usage: usage}
			return
		}
		if err != nil {
			chunks <- Chunk{Err: p.wrapError(err, model)}
			return
		}

		// Usage arrives on a trailing frame with no choices when
		// stream options request it.
		if resp.Usage != nil {
			usage = &models.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}

		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				chunks <- Chunk{Text: choice.Delta.Content}
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				call, ok := pending[idx]
				if !ok {
					call = &pendingCall{}
					pending[idx] = call
					order = append(order, idx)
				}
				if tc.ID != "" {
					call.id = tc.ID
				}
				if tc.Function.Name != "" {
					call.name = tc.Function.Name
				}
				call.args.WriteString(tc.Function.Arguments)
			}

			if choice.FinishReason == openai.FinishReasonToolCalls {
				flush()
			}
		}
	}
}

func (p *OpenAIProvider) buildRequest(req *Request, stream bool) (openai.ChatCompletionRequest, error) {
	if req.Model == "" {
		return openai.ChatCompletionRequest{}, &Error{
			Kind:     KindValidation,
			Provider: p.name,
			Message:  "model is required",
		}
	}

	out := openai.ChatCompletionRequest{
		Model:           req.Model,
		Messages:        convertOpenAIMessages(req.System, req.Messages),
		MaxTokens:       maxTokensOrDefault(req.Params.MaxTokens),
		Temperature:     float32(req.Params.Temperature),
		TopP:            float32(req.Params.TopP),
		PresencePenalty: presencePenalty(req.Params.RepetitionPenalty),
		Stream:          stream,
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if len(req.Tools) > 0 {
		out.Tools = toolwire.OpenAITools(req.Tools)
	}
	return out, nil
}

// convertOpenAIMessages flattens normalized messages into the OpenAI
// shape. The system prompt becomes the leading system message, and
// each tool result becomes its own role-"tool" message correlated by
// tool call ID.
func convertOpenAIMessages(system string, messages []Message) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage

	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Content != "" || len(msg.ToolCalls) > 0 {
			m := openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, m)
		}

		for _, tr := range msg.ToolResults {
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    tr.Content,
				ToolCallID: tr.CallID,
			})
		}
	}

	return out
}

func (p *OpenAIProvider) client(apiKey string) *openai.Client {
	key := apiKey
	if key == "" {
		key = p.apiKey
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c
	}

	var c *openai.Client
	if p.baseURL != "" {
		config := openai.DefaultConfig(key)
		config.BaseURL = p.baseURL
		c = openai.NewClientWithConfig(config)
	} else {
		c = openai.NewClient(key)
	}
	p.clients[key] = c
	return c
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		provErr := NewError(p.name, model, err).
			WithMessage(apiErr.Message).
			WithStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			provErr = provErr.WithCode(code)
		}
		return provErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewError(p.name, model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewError(p.name, model, err)
}

// presencePenalty translates the multiplicative repetition penalty
// into the additive presence penalty OpenAI-style APIs expect: the
// neutral 1.0 (or unset 0) maps to 0, anything else shifts down by
// one.
func presencePenalty(repetition float64) float32 {
	if repetition == 0 || repetition == 1.0 {
		return 0
	}
	return float32(repetition - 1)
}

// maxTokensOrDefault guards against an unset completion budget.
func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 1024
	}
	return n
}
