// Package toolwire converts normalized tool specs into each
// provider's native function-calling shape, one converter per
// provider. Response-side parsing stays with the adapters because it
// needs streaming state the advertisement direction never sees.
package toolwire

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ensemble-ai/ensemble/pkg/models"
)

// AnthropicTools converts tool specs to Messages API tool params.
// Anthropic validates input schemas server-side, so a spec with an
// unparseable schema is an error here rather than a silent skip.
func AnthropicTools(tools []models.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		param, err := anthropicTool(tool)
		if err != nil {
			return nil, err
		}
		result = append(result, param)
	}
	return result, nil
}

func anthropicTool(tool models.ToolSpec) (anthropic.ToolUnionParam, error) {
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("toolwire: schema for %q: %w", tool.Name, err)
	}

	param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
	if param.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("toolwire: schema for %q produced no tool definition", tool.Name)
	}
	param.OfTool.Description = anthropic.String(tool.Description)
	return param, nil
}
