package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/ensemble-ai/ensemble/internal/providers/toolwire"
	"github.com/ensemble-ai/ensemble/pkg/models"
)

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	// APIKey is the default credential. It may be empty when every
	// request carries its own key.
	APIKey string
}

// GeminiProvider implements Adapter for Google's Gemini API.
//
// Gemini differs from the other chat APIs in three ways the adapter
// absorbs: the assistant role is called "model", tool calls carry no
// IDs (the adapter mints them so the rest of the system can correlate
// results), and function responses travel as structured maps rather
// than plain strings.
//
// GeminiProvider is safe for concurrent use; clients are cached per
// credential.
type GeminiProvider struct {
	apiKey string

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGeminiProvider creates the Gemini adapter.
func NewGeminiProvider(cfg GeminiConfig) *GeminiProvider {
	return &GeminiProvider{
		apiKey:  cfg.APIKey,
		clients: make(map[string]*genai.Client),
	}
}

// Name returns the provider identifier used for routing and logging.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// SupportsTools reports that function calling is available.
func (p *GeminiProvider) SupportsTools() bool {
	return true
}

// Complete issues a non-streaming GenerateContent request.
func (p *GeminiProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	client, contents, config, err := p.prepare(req)
	if err != nil {
		return nil, err
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}

	out := &Response{}
	var content strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				content.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				out.ToolCalls = append(out.ToolCalls, toolCallFromFunction(part.FunctionCall))
			}
		}
	}
	out.Content = content.String()

	if resp.UsageMetadata != nil {
		out.Usage = models.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// CompleteStreaming issues a streaming GenerateContent request and
// forwards text and function-call parts as they arrive.
func (p *GeminiProvider) CompleteStreaming(ctx context.Context, req *Request) (<-chan Chunk, error) {
	client, contents, config, err := p.prepare(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)

		var usage *models.Usage
		for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if ctx.Err() != nil {
				chunks <- Chunk{Err: ctx.Err()}
				return
			}
			if err != nil {
				chunks <- Chunk{Err: p.wrapError(err, req.Model)}
				return
			}
			if resp == nil {
				continue
			}

			if resp.UsageMetadata != nil {
				usage = &models.Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						chunks <- Chunk{Text: part.Text}
					}
					if part.FunctionCall != nil {
						call := toolCallFromFunction(part.FunctionCall)
						chunks <- Chunk{ToolCall: &call}
					}
				}
			}
		}

		chunks <- Chunk{Done: true, Usage: usage}
	}()
	return chunks, nil
}

func (p *GeminiProvider) prepare(req *Request) (*genai.Client, []*genai.Content, *genai.GenerateContentConfig, error) {
	if req.Model == "" {
		return nil, nil, nil, &Error{
			Kind:     KindValidation,
			Provider: "gemini",
			Message:  "model is required",
		}
	}

	client, err := p.client(req.APIKey)
	if err != nil {
		return nil, nil, nil, NewError("gemini", req.Model, err)
	}

	contents := convertGeminiMessages(req.Messages)
	config := p.buildConfig(req)
	return client, contents, config, nil
}

func (p *GeminiProvider) buildConfig(req *Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	config.MaxOutputTokens = int32(maxTokensOrDefault(req.Params.MaxTokens))
	if t := req.Params.Temperature; t > 0 {
		config.Temperature = genai.Ptr(float32(t))
	}
	if tp := req.Params.TopP; tp > 0 && tp < 1 {
		config.TopP = genai.Ptr(float32(tp))
	}
	if pp := presencePenalty(req.Params.RepetitionPenalty); pp != 0 {
		config.PresencePenalty = genai.Ptr(pp)
	}

	if len(req.Tools) > 0 {
		config.Tools = toolwire.GeminiTools(req.Tools)
	}

	return config
}

// convertGeminiMessages converts normalized messages to Gemini
// contents. Assistant turns become role "model"; tool results travel
// back as function_response parts on user turns.
func convertGeminiMessages(messages []Message) []*genai.Content {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == "assistant" {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Arguments, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}

		for _, tr := range msg.ToolResults {
			response := map[string]any{"result": tr.Content}
			if tr.IsError {
				response = map[string]any{"error": tr.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     tr.Name,
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result
}

// toolCallFromFunction mints a correlatable tool call from a Gemini
// function call, which carries no ID of its own.
func toolCallFromFunction(fc *genai.FunctionCall) models.ToolCall {
	args, err := json.Marshal(fc.Args)
	if err != nil {
		args = []byte("{}")
	}
	return models.ToolCall{
		ID:        fmt.Sprintf("%s-%s", fc.Name, uuid.New().String()[:8]),
		Name:      fc.Name,
		Arguments: args,
	}
}

func (p *GeminiProvider) client(apiKey string) (*genai.Client, error) {
	key := apiKey
	if key == "" {
		key = p.apiKey
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}

	c, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	p.clients[key] = c
	return c, nil
}

// wrapError classifies Gemini failures. The SDK surfaces gRPC-style
// status wording, so the status code is recovered from the message.
func (p *GeminiProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	provErr := NewError("gemini", model, err)

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated"):
		provErr = provErr.WithStatus(401)
	case strings.Contains(msg, "403") || strings.Contains(msg, "permission denied"):
		provErr = provErr.WithStatus(403)
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		provErr = provErr.WithStatus(404)
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted"):
		provErr = provErr.WithStatus(429)
	case strings.Contains(msg, "500"):
		provErr = provErr.WithStatus(500)
	case strings.Contains(msg, "503"):
		provErr = provErr.WithStatus(503)
	}

	return provErr
}
