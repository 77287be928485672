package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var buildSchema = sync.OnceValues(func() ([]byte, error) {
	reflector := &jsonschema.Reflector{FieldNameTag: "yaml"}
	return json.MarshalIndent(reflector.Reflect(&Config{}), "", "  ")
})

// JSONSchema renders the configuration file's JSON Schema, keyed by the
// Config struct's yaml field names. Editors wired to yaml-language-server
// can point at the output for completion and validation.
func JSONSchema() ([]byte, error) {
	return buildSchema()
}
