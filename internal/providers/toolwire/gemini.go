package toolwire

import (
	"encoding/json"
	"strings"

	"google.golang.org/genai"

	"github.com/ensemble-ai/ensemble/pkg/models"
)

// GeminiTools converts tool specs to Gemini function declarations.
// Specs whose schemas fail to parse are skipped; Gemini rejects the
// whole request when any declaration is malformed.
func GeminiTools(tools []models.ToolSpec) []*genai.Tool {
	var declarations []*genai.FunctionDeclaration
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  GeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// GeminiSchema converts a JSON Schema map to Gemini's Schema type,
// recursing through properties and items. Gemini spells types in
// upper case and has no equivalent for most validation keywords, so
// anything beyond type/description/enum/properties/required/items is
// dropped.
func GeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}
	for key, raw := range schemaMap {
		switch key {
		case "type":
			if s, ok := raw.(string); ok {
				schema.Type = genai.Type(strings.ToUpper(s))
			}
		case "description":
			if s, ok := raw.(string); ok {
				schema.Description = s
			}
		case "enum":
			schema.Enum = stringValues(raw)
		case "required":
			schema.Required = stringValues(raw)
		case "properties":
			props, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			schema.Properties = make(map[string]*genai.Schema, len(props))
			for name, prop := range props {
				if child, ok := prop.(map[string]any); ok {
					schema.Properties[name] = GeminiSchema(child)
				}
			}
		case "items":
			if child, ok := raw.(map[string]any); ok {
				schema.Items = GeminiSchema(child)
			}
		}
	}
	return schema
}

// stringValues extracts the string members of a decoded JSON array,
// preserving order.
func stringValues(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
