package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// ReflectSchema builds the argument schema for a Go struct type from
// its field tags:
//
//   - json:"name" names the parameter
//   - jsonschema:"required" marks it required
//   - jsonschema:"description=..." documents it
//   - jsonschema:"enum=a,enum=b" restricts values
//
// The schema is fully inlined with no $ref or $defs because providers
// expect self-contained object schemas.
func ReflectSchema[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := r.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	delete(m, "$schema")
	delete(m, "$id")

	out, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return out
}
