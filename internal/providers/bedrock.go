package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/ensemble-ai/ensemble/internal/providers/toolwire"
	"github.com/ensemble-ai/ensemble/pkg/models"
)

// BedrockConfig configures the AWS Bedrock adapter.
type BedrockConfig struct {
	// Region is the AWS region. Defaults to us-east-1.
	Region string

	// AccessKeyID and SecretAccessKey select explicit credentials.
	// When empty the default AWS credential chain applies (environment,
	// shared config, IAM role).
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// BedrockProvider implements Adapter for foundation models hosted on
// AWS Bedrock through the Converse API.
//
// Authentication runs through the AWS credential chain resolved at
// construction, so per-request key overrides are ignored. The provider
// is safe for concurrent use.
type BedrockProvider struct {
	client *bedrockruntime.Client
	region string
}

// NewBedrockProvider creates the Bedrock adapter.
func NewBedrockProvider(cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockProvider{
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: cfg.Region,
	}, nil
}

// Name returns the provider identifier used for routing and logging.
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// SupportsTools reports that tool use is available via the Converse
// API for compatible models.
func (p *BedrockProvider) SupportsTools() bool {
	return true
}

// Complete issues a non-streaming Converse request.
func (p *BedrockProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	messages, system, inference, toolConfig, err := p.buildConverseParts(req)
	if err != nil {
		return nil, err
	}

	output, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(req.Model),
		Messages:        messages,
		System:          system,
		InferenceConfig: inference,
		ToolConfig:      toolConfig,
	})
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}

	out := &Response{}
	var content strings.Builder
	if msg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *types.ContentBlockMemberText:
				content.WriteString(v.Value)
			case *types.ContentBlockMemberToolUse:
				out.ToolCalls = append(out.ToolCalls, toolCallFromToolUse(v.Value))
			}
		}
	}
	out.Content = content.String()

	if usage := output.Usage; usage != nil {
		out.Usage = models.Usage{
			PromptTokens:     int(aws.ToInt32(usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(usage.TotalTokens)),
		}
	}
	return out, nil
}

// CompleteStreaming issues a ConverseStream request. Tool input JSON
// streams as deltas and is assembled until its content block stops.
func (p *BedrockProvider) CompleteStreaming(ctx context.Context, req *Request) (<-chan Chunk, error) {
	messages, system, inference, toolConfig, err := p.buildConverseParts(req)
	if err != nil {
		return nil, err
	}

	stream, err := p.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(req.Model),
		Messages:        messages,
		System:          system,
		InferenceConfig: inference,
		ToolConfig:      toolConfig,
	})
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}

	chunks := make(chan Chunk)
	go p.processStream(ctx, stream, chunks, req.Model)
	return chunks, nil
}

func (p *BedrockProvider) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, chunks chan<- Chunk, model string) {
	defer close(chunks)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var tool toolUseBuffer
	var usage *models.Usage

	for event := range eventStream.Events() {
		if ctx.Err() != nil {
			chunks <- Chunk{Err: ctx.Err()}
			return
		}

		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				tool.open(aws.ToString(toolUse.Value.ToolUseId), aws.ToString(toolUse.Value.Name))
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" {
					chunks <- Chunk{Text: delta.Value}
				}
			case *types.ContentBlockDeltaMemberToolUse:
				tool.input.WriteString(aws.ToString(delta.Value.Input))
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			if call := tool.flush(); call != nil {
				chunks <- Chunk{ToolCall: call}
			}

		case *types.ConverseStreamOutputMemberMetadata:
			if u := ev.Value.Usage; u != nil {
				usage = &models.Usage{
					PromptTokens:     int(aws.ToInt32(u.InputTokens)),
					CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
					TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
				}
			}

		case *types.ConverseStreamOutputMemberMessageStop:
			// Metadata may still follow message_stop; keep draining.
		}
	}

	if err := eventStream.Err(); err != nil {
		chunks <- Chunk{Err: p.wrapError(err, model)}
		return
	}
	chunks <- Chunk{Done: true, Usage: usage}
}

func (p *BedrockProvider) buildConverseParts(req *Request) ([]types.Message, []types.SystemContentBlock, *types.InferenceConfiguration, *types.ToolConfiguration, error) {
	if req.Model == "" {
		return nil, nil, nil, nil, &Error{
			Kind:     KindValidation,
			Provider: "bedrock",
			Message:  "model is required",
		}
	}

	messages, err := convertBedrockMessages(req.Messages)
	if err != nil {
		return nil, nil, nil, nil, NewError("bedrock", req.Model, err)
	}

	var system []types.SystemContentBlock
	if req.System != "" {
		system = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}

	inference := &types.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(maxTokensOrDefault(req.Params.MaxTokens))),
	}
	if t := req.Params.Temperature; t > 0 {
		inference.Temperature = aws.Float32(float32(t))
	}
	if tp := req.Params.TopP; tp > 0 && tp < 1 {
		inference.TopP = aws.Float32(float32(tp))
	}

	var toolConfig *types.ToolConfiguration
	if len(req.Tools) > 0 {
		toolConfig = toolwire.BedrockTools(req.Tools)
	}

	return messages, system, inference, toolConfig, nil
}

// convertBedrockMessages converts normalized messages to Converse
// format. Tool results ride as tool_result blocks correlated to a
// prior tool_use; system turns are skipped because the system prompt
// is carried separately.
func convertBedrockMessages(messages []Message) ([]types.Message, error) {
	result := make([]types.Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []types.ContentBlock

		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}

		for _, tr := range msg.ToolResults {
			block := types.ToolResultBlock{
				ToolUseId: aws.String(tr.CallID),
				Content: []types.ToolResultContentBlock{
					&types.ToolResultContentBlockMemberText{Value: tr.Content},
				},
			}
			if tr.IsError {
				block.Status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{Value: block})
		}

		for _, tc := range msg.ToolCalls {
			var input any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call arguments: %w", err)
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(input),
				},
			})
		}

		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}

	return result, nil
}

func toolCallFromToolUse(block types.ToolUseBlock) models.ToolCall {
	call := models.ToolCall{
		ID:   aws.ToString(block.ToolUseId),
		Name: aws.ToString(block.Name),
	}
	if block.Input != nil {
		if data, err := block.Input.MarshalSmithyDocument(); err == nil && len(data) > 0 {
			call.Arguments = json.RawMessage(data)
		}
	}
	if call.Arguments == nil {
		call.Arguments = json.RawMessage("{}")
	}
	return call
}

// wrapError classifies Bedrock failures. Typed API errors carry their
// exception code; eventstream failures only embed it in the message, so
// both are consulted.
func (p *BedrockProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	provErr := NewError("bedrock", model, err)

	var code string
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	matches := func(name string) bool {
		return code == name || strings.Contains(err.Error(), name)
	}

	switch {
	case matches("ThrottlingException"),
		matches("TooManyRequestsException"),
		matches("ServiceQuotaExceededException"):
		provErr = provErr.WithStatus(429)
	case matches("AccessDeniedException"),
		matches("UnrecognizedClientException"),
		matches("ExpiredTokenException"):
		provErr = provErr.WithStatus(403)
	case matches("ResourceNotFoundException"):
		provErr = provErr.WithStatus(404)
	case matches("ValidationException"):
		provErr = provErr.WithStatus(400)
	case matches("ServiceUnavailableException"), matches("ModelNotReadyException"):
		provErr = provErr.WithStatus(503)
	case matches("InternalServerException"), matches("ModelErrorException"):
		provErr = provErr.WithStatus(500)
	case matches("ModelTimeoutException"):
		provErr.Kind = KindTransport
	}

	return provErr
}
