package gateway

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	payloads map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func compileSchemas() error {
	schemas.once.Do(func() {
		compiled, err := jsonschema.CompileString("envelope", envelopeSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.envelope = compiled

		payloads := map[string]string{
			envelopeChat:              chatPayloadSchema,
			envelopeStartConversation: startConversationPayloadSchema,
			envelopeGetStatus:         getStatusPayloadSchema,
		}
		schemas.payloads = make(map[string]*jsonschema.Schema, len(payloads))
		for name, src := range payloads {
			compiled, err := jsonschema.CompileString("payload_"+name, src)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.payloads[name] = compiled
		}
	})
	return schemas.initErr
}

// validateEnvelope checks the raw envelope and, for known types, its
// payload against the compiled schemas. Unknown types pass here and are
// answered by the dispatcher.
func validateEnvelope(raw []byte, env *envelope) error {
	if err := compileSchemas(); err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := schemas.envelope.Validate(doc); err != nil {
		return err
	}
	if schema := schemas.payloads[env.Type]; schema != nil {
		var payload any
		if len(env.Payload) == 0 {
			payload = map[string]any{}
		} else if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		if err := schema.Validate(payload); err != nil {
			return err
		}
	}
	return nil
}

const envelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "payload": { "type": "object" }
  },
  "additionalProperties": true
}`

const chatPayloadSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "sessionId": { "type": "string" },
    "message": { "type": "string", "minLength": 1 },
    "agents": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name", "provider", "model"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "name": { "type": "string", "minLength": 1 },
          "provider": { "type": "string", "minLength": 1 },
          "model": { "type": "string", "minLength": 1 },
          "systemPrompt": { "type": "string" },
          "archetype": { "type": "string" },
          "parameters": { "type": "object" }
        },
        "additionalProperties": true
      }
    },
    "settings": {
      "type": "object",
      "properties": {
        "orchestrationStrategy": { "type": "string" },
        "enableTools": { "type": "boolean" },
        "agentModels": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "agentParameters": { "type": "object" },
        "agentApiKeys": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "consensusThreshold": { "type": "number", "minimum": 0, "maximum": 1 },
        "competitiveTimeoutMs": { "type": "integer", "minimum": 1 },
        "breakOnError": { "type": "boolean" },
        "pipelineContinueOnError": { "type": "boolean" },
        "timeoutMs": { "type": "integer", "minimum": 1 },
        "scenario": { "type": "string" }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`

const startConversationPayloadSchema = `{
  "type": "object",
  "properties": {
    "sessionId": { "type": "string" },
    "topic": { "type": "string" },
    "agents": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name", "provider", "model"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "name": { "type": "string", "minLength": 1 },
          "provider": { "type": "string", "minLength": 1 },
          "model": { "type": "string", "minLength": 1 },
          "systemPrompt": { "type": "string" }
        },
        "additionalProperties": true
      }
    }
  },
  "additionalProperties": true
}`

const getStatusPayloadSchema = `{
  "type": "object",
  "additionalProperties": true
}`
