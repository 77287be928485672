package toolwire

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ensemble-ai/ensemble/pkg/models"
)

// OpenAITools converts tool specs to OpenAI function definitions. A
// schema that fails to parse degrades to an empty object schema
// rather than failing the whole request.
func OpenAITools(tools []models.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		var params map[string]any
		if err := json.Unmarshal(tool.Parameters, &params); err != nil || params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
