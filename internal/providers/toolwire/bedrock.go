package toolwire

import (
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/ensemble-ai/ensemble/pkg/models"
)

// BedrockTools converts tool specs to a Converse tool configuration.
func BedrockTools(tools []models.ToolSpec) *types.ToolConfiguration {
	config := &types.ToolConfiguration{Tools: make([]types.Tool, 0, len(tools))}
	for _, tool := range tools {
		config.Tools = append(config.Tools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: bedrockSchema(tool.Parameters)},
			},
		})
	}
	return config
}

// bedrockSchema wraps a raw JSON Schema as the lazy smithy document
// Converse expects. Malformed schemas degrade to an empty object
// schema rather than failing the whole request.
func bedrockSchema(raw json.RawMessage) document.Interface {
	var schema any
	if err := json.Unmarshal(raw, &schema); err != nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return document.NewLazyDocument(schema)
}
